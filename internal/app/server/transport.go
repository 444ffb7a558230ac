package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/squadup/partyhub/internal/broadcast"
	"github.com/squadup/partyhub/internal/party/domain"
	"github.com/squadup/partyhub/internal/party/event"
	partyservice "github.com/squadup/partyhub/internal/party/service"
	apperrors "github.com/squadup/partyhub/internal/platform/errors"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxListPageSize = 100
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status        string           `json:"status"`
	Party         *event.Snapshot  `json:"party,omitempty"`
	Parties       []event.Snapshot `json:"parties,omitempty"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type eventEnvelope struct {
	Topic string      `json:"topic"`
	Event event.Event `json:"event"`
}

type createPayload struct {
	MaxPlayers int               `json:"max_players"`
	InviteOnly bool              `json:"invite_only,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	TTLSeconds int               `json:"ttl_seconds,omitempty"`
}

type partyRefPayload struct {
	PartyID string `json:"party_id"`
}

type memberPayload struct {
	PartyID string `json:"party_id"`
	UserID  string `json:"user_id"`
}

type listPayload struct {
	PageSize  int    `json:"page_size,omitempty"`
	PageToken string `json:"page_token,omitempty"`
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession tracks one peer's identity and live topic subscriptions.
type wsSession struct {
	mu            sync.Mutex
	userID        string
	peer          *wsPeer
	subscriptions map[string]*broadcast.Subscription
}

func newWSSession(userID string, peer *wsPeer) *wsSession {
	return &wsSession{
		userID:        userID,
		peer:          peer,
		subscriptions: make(map[string]*broadcast.Subscription),
	}
}

// subscribe attaches the session to a topic and starts the delivery pump.
// Subscribing twice to the same topic is a no-op.
func (s *wsSession) subscribe(hub *broadcast.Hub, topic string) {
	s.mu.Lock()
	if _, ok := s.subscriptions[topic]; ok {
		s.mu.Unlock()
		return
	}
	sub := hub.Subscribe(topic)
	s.subscriptions[topic] = sub
	s.mu.Unlock()

	go pumpEvents(s.peer, sub)
}

func (s *wsSession) unsubscribe(topic string) {
	s.mu.Lock()
	sub, ok := s.subscriptions[topic]
	if ok {
		delete(s.subscriptions, topic)
	}
	s.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

func (s *wsSession) closeAll() {
	s.mu.Lock()
	subs := make([]*broadcast.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.subscriptions = make(map[string]*broadcast.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// pumpEvents forwards subscription events to the peer until the subscription
// is cancelled. Write failures end the pump; the read loop notices the dead
// connection on its own.
func pumpEvents(peer *wsPeer, sub *broadcast.Subscription) {
	for evt := range sub.Events() {
		frame := wsFrame{
			Type:    "party.event",
			Payload: mustJSON(eventEnvelope{Topic: sub.Topic(), Event: evt}),
		}
		if err := peer.writeFrame(frame); err != nil {
			sub.Cancel()
			return
		}
	}
}

func handleWSConn(conn *websocket.Conn, svc *partyservice.Service, hub *broadcast.Hub) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	userID := ""
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
	}
	if userID == "" {
		_ = writeWSError(peer, "", "UNAUTHENTICATED", "user identity is required", nil)
		return
	}

	session := newWSSession(userID, peer)
	defer session.closeAll()

	// Personal notifications flow without an explicit subscribe.
	session.subscribe(hub, event.UserTopic(userID))

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload", nil)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large", nil)
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}

		dispatchFrame(ctx, session, svc, hub, frame)
	}
}

func dispatchFrame(ctx context.Context, session *wsSession, svc *partyservice.Service, hub *broadcast.Hub, frame wsFrame) {
	switch frame.Type {
	case "party.create":
		handleCreateFrame(ctx, session, svc, frame)
	case "party.get":
		handleGetFrame(ctx, session, svc, frame)
	case "party.list":
		handleListFrame(ctx, session, svc, frame)
	case "party.join":
		handlePartyOp(ctx, session, frame, func(payload partyRefPayload) (domain.Party, error) {
			return svc.Join(ctx, payload.PartyID, session.userID)
		})
	case "party.request_join":
		handlePartyOp(ctx, session, frame, func(payload partyRefPayload) (domain.Party, error) {
			return svc.RequestJoin(ctx, payload.PartyID, session.userID)
		})
	case "party.accept_request":
		handleMemberOp(ctx, session, frame, func(payload memberPayload) (domain.Party, error) {
			return svc.AcceptRequest(ctx, payload.PartyID, session.userID, payload.UserID)
		})
	case "party.reject_request":
		handleMemberOp(ctx, session, frame, func(payload memberPayload) (domain.Party, error) {
			return svc.RejectRequest(ctx, payload.PartyID, session.userID, payload.UserID)
		})
	case "party.invite":
		handleMemberOp(ctx, session, frame, func(payload memberPayload) (domain.Party, error) {
			return svc.Invite(ctx, payload.PartyID, session.userID, payload.UserID)
		})
	case "party.kick":
		handleMemberOp(ctx, session, frame, func(payload memberPayload) (domain.Party, error) {
			return svc.Kick(ctx, payload.PartyID, session.userID, payload.UserID)
		})
	case "party.leave":
		handleRemovalOp(ctx, session, frame, func(payload partyRefPayload) error {
			return svc.Leave(ctx, payload.PartyID, session.userID)
		})
	case "party.delete":
		handleRemovalOp(ctx, session, frame, func(payload partyRefPayload) error {
			return svc.Delete(ctx, payload.PartyID, session.userID)
		})
	case "party.subscribe":
		handleSubscribeFrame(session, hub, frame, true)
	case "party.unsubscribe":
		handleSubscribeFrame(session, hub, frame, false)
	case "party.listing.subscribe":
		session.subscribe(hub, event.ListingTopic)
		writeAck(session.peer, frame.RequestID, ackResult{Status: "ok"})
	case "party.listing.unsubscribe":
		session.unsubscribe(event.ListingTopic)
		writeAck(session.peer, frame.RequestID, ackResult{Status: "ok"})
	default:
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type", nil)
	}
}

func handleCreateFrame(ctx context.Context, session *wsSession, svc *partyservice.Service, frame wsFrame) {
	var payload createPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid create payload", nil)
		return
	}

	party, err := svc.Create(ctx, domain.CreatePartyInput{
		OwnerID:    session.userID,
		MaxPlayers: payload.MaxPlayers,
		Requirements: domain.Requirements{
			InviteOnly: payload.InviteOnly,
			Attributes: payload.Attributes,
		},
		TTL: time.Duration(payload.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(session.peer, frame.RequestID, err)
		return
	}

	snapshot := event.SnapshotOf(party)
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Party: &snapshot})
}

func handleGetFrame(ctx context.Context, session *wsSession, svc *partyservice.Service, frame wsFrame) {
	payload, ok := decodePartyRef(session, frame)
	if !ok {
		return
	}
	party, err := svc.Get(ctx, payload.PartyID)
	if err != nil {
		writeServiceError(session.peer, frame.RequestID, err)
		return
	}
	snapshot := event.SnapshotOf(party)
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Party: &snapshot})
}

func handleListFrame(ctx context.Context, session *wsSession, svc *partyservice.Service, frame wsFrame) {
	var payload listPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid list payload", nil)
			return
		}
	}
	if payload.PageSize > maxListPageSize {
		payload.PageSize = maxListPageSize
	}

	page, err := svc.List(ctx, payload.PageSize, payload.PageToken)
	if err != nil {
		writeServiceError(session.peer, frame.RequestID, err)
		return
	}

	parties := make([]event.Snapshot, 0, len(page.Parties))
	for _, party := range page.Parties {
		parties = append(parties, event.SnapshotOf(party))
	}
	writeAck(session.peer, frame.RequestID, ackResult{
		Status:        "ok",
		Parties:       parties,
		NextPageToken: page.NextPageToken,
	})
}

func handlePartyOp(_ context.Context, session *wsSession, frame wsFrame, op func(partyRefPayload) (domain.Party, error)) {
	payload, ok := decodePartyRef(session, frame)
	if !ok {
		return
	}
	party, err := op(payload)
	if err != nil {
		writeServiceError(session.peer, frame.RequestID, err)
		return
	}
	snapshot := event.SnapshotOf(party)
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Party: &snapshot})
}

func handleMemberOp(_ context.Context, session *wsSession, frame wsFrame, op func(memberPayload) (domain.Party, error)) {
	var payload memberPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid payload", nil)
		return
	}
	if strings.TrimSpace(payload.PartyID) == "" || strings.TrimSpace(payload.UserID) == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "party_id and user_id are required", nil)
		return
	}
	party, err := op(payload)
	if err != nil {
		writeServiceError(session.peer, frame.RequestID, err)
		return
	}
	snapshot := event.SnapshotOf(party)
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Party: &snapshot})
}

func handleRemovalOp(_ context.Context, session *wsSession, frame wsFrame, op func(partyRefPayload) error) {
	payload, ok := decodePartyRef(session, frame)
	if !ok {
		return
	}
	if err := op(payload); err != nil {
		writeServiceError(session.peer, frame.RequestID, err)
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok"})
}

func handleSubscribeFrame(session *wsSession, hub *broadcast.Hub, frame wsFrame, subscribe bool) {
	payload, ok := decodePartyRef(session, frame)
	if !ok {
		return
	}
	topic := event.PartyTopic(payload.PartyID)
	if subscribe {
		session.subscribe(hub, topic)
	} else {
		session.unsubscribe(topic)
	}
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok"})
}

func decodePartyRef(session *wsSession, frame wsFrame) (partyRefPayload, bool) {
	var payload partyRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid payload", nil)
		return partyRefPayload{}, false
	}
	if strings.TrimSpace(payload.PartyID) == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "party_id is required", nil)
		return partyRefPayload{}, false
	}
	return payload, true
}

func writeAck(peer *wsPeer, requestID string, result ackResult) {
	_ = peer.writeFrame(wsFrame{
		Type:      "party.ack",
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

// writeServiceError maps a lifecycle error onto the wire taxonomy.
func writeServiceError(peer *wsPeer, requestID string, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		log.Printf("partyhub: internal error: %v", err)
		_ = writeWSError(peer, requestID, "INTERNAL", "internal error", nil)
		return
	}

	var details map[string]string
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && len(appErr.Metadata) > 0 {
		details = appErr.Metadata
	}
	_ = peer.writeFrame(wsFrame{
		Type:      "party.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   err.Error(),
				Retryable: code.Retryable(),
				Details:   details,
			},
		}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string, details map[string]string) error {
	return peer.writeFrame(wsFrame{
		Type:      "party.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
				Details:   details,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
