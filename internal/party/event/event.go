// Package event defines the lifecycle event envelope and topic naming shared
// by the party service, the broadcaster, and the transport layer.
package event

import (
	"time"

	"github.com/squadup/partyhub/internal/party/domain"
)

// Type identifies a party lifecycle event.
type Type string

const (
	TypePartyCreated             Type = "PARTY_CREATED"
	TypePartyUpdated             Type = "PARTY_UPDATED"
	TypePartyDeleted             Type = "PARTY_DELETED"
	TypePartyJoinRequest         Type = "PARTY_JOIN_REQUEST"
	TypePartyJoinRequestAccepted Type = "PARTY_JOIN_REQUEST_ACCEPTED"
	TypePartyJoinRequestRejected Type = "PARTY_JOIN_REQUEST_REJECTED"
	TypePartyJoined              Type = "PARTY_JOINED"
	TypePartyLeft                Type = "PARTY_LEFT"
	TypePartyUserKicked          Type = "PARTY_USER_KICKED"
)

// Snapshot is the full post-transition party state carried by every event.
// Clients reconcile by replacing local state with the snapshot; no diffs.
type Snapshot struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Status       string            `json:"status"`
	Participants []string          `json:"participants"`
	MaxPlayers   int               `json:"max_players"`
	JoinRequests []string          `json:"join_requests,omitempty"`
	InvitedUsers []string          `json:"invited_users,omitempty"`
	InviteOnly   bool              `json:"invite_only"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	CreatedAt    string            `json:"created_at"`
	ExpiresAt    string            `json:"expires_at"`
}

// Event is the typed envelope published for every successful transition.
type Event struct {
	Type      Type      `json:"event_type"`
	Party     *Snapshot `json:"party"` // nil for PARTY_DELETED
	Timestamp string    `json:"timestamp"`
}

// New builds an event with a snapshot of the given party.
func New(eventType Type, party domain.Party, at time.Time) Event {
	snapshot := SnapshotOf(party)
	return Event{
		Type:      eventType,
		Party:     &snapshot,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// NewDeleted builds a PARTY_DELETED event; the party snapshot is null so
// subscribers drop local state instead of reconciling it.
func NewDeleted(at time.Time) Event {
	return Event{
		Type:      TypePartyDeleted,
		Party:     nil,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// SnapshotOf converts a domain party into its wire snapshot.
func SnapshotOf(party domain.Party) Snapshot {
	return Snapshot{
		ID:           party.ID,
		OwnerID:      party.OwnerID,
		Status:       domain.StatusLabel(party.Status),
		Participants: copyIDs(party.Participants),
		MaxPlayers:   party.MaxPlayers,
		JoinRequests: copyIDs(party.JoinRequests),
		InvitedUsers: copyIDs(party.InvitedUsers),
		InviteOnly:   party.Requirements.InviteOnly,
		Attributes:   copyAttributes(party.Requirements.Attributes),
		CreatedAt:    party.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:    party.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func copyIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func copyAttributes(attributes map[string]string) map[string]string {
	if len(attributes) == 0 {
		return nil
	}
	out := make(map[string]string, len(attributes))
	for key, value := range attributes {
		out[key] = value
	}
	return out
}
