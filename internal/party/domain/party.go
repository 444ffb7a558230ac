// Package domain defines the party entity and its pure transition rules.
package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/squadup/partyhub/internal/platform/errors"
	"github.com/squadup/partyhub/internal/platform/id"
)

var (
	// ErrEmptyOwnerID indicates a missing owner user ID.
	ErrEmptyOwnerID = apperrors.New(apperrors.CodePartyEmptyOwnerID, "owner user id is required")
	// ErrInvalidMaxPlayers indicates a non-positive capacity.
	ErrInvalidMaxPlayers = apperrors.New(apperrors.CodePartyInvalidMax, "max players must be positive")
	// ErrPartyFull indicates the participant set is at capacity.
	ErrPartyFull = apperrors.New(apperrors.CodePartyFull, "party is full")
	// ErrPartyClosed indicates a mutation on a closed party.
	ErrPartyClosed = apperrors.New(apperrors.CodePartyClosed, "party is closed")
	// ErrAlreadyParticipant indicates the user already belongs to this party.
	ErrAlreadyParticipant = apperrors.New(apperrors.CodeAlreadyInParty, "user is already a participant")
	// ErrAlreadyRequested indicates a duplicate join request.
	ErrAlreadyRequested = apperrors.New(apperrors.CodeAlreadyRequested, "join request already pending")
	// ErrNotAParticipant indicates the user does not belong to this party.
	ErrNotAParticipant = apperrors.New(apperrors.CodeNotAParticipant, "user is not a participant")
)

// Status describes the lifecycle state of a party.
type Status int

const (
	// StatusUnspecified represents an invalid party status value.
	StatusUnspecified Status = iota
	// StatusOpen indicates the party accepts new participants.
	StatusOpen
	// StatusFull indicates the participant set is at capacity.
	StatusFull
	// StatusClosed indicates the party has ended; closed parties are immutable.
	StatusClosed
)

// TrackingState marks sweep progress so expired parties are handled once.
type TrackingState int

const (
	// TrackingUntracked indicates the sweeper has not claimed the party.
	TrackingUntracked TrackingState = iota
	// TrackingClaimed indicates a sweep worker is closing the party.
	TrackingClaimed
	// TrackingProcessed indicates expiration handling completed.
	TrackingProcessed
)

// Requirements carries opaque matchmaking attributes. The engine only reads
// InviteOnly; everything else passes through to clients untouched.
type Requirements struct {
	InviteOnly bool
	Attributes map[string]string
}

// Party represents a bounded group-formation record.
type Party struct {
	ID            string
	OwnerID       string
	Status        Status
	Participants  []string
	MaxPlayers    int
	JoinRequests  []string
	InvitedUsers  []string
	Requirements  Requirements
	CreatedAt     time.Time
	ExpiresAt     time.Time
	TrackingState TrackingState
}

// CreatePartyInput describes the metadata needed to create a party.
type CreatePartyInput struct {
	OwnerID      string
	MaxPlayers   int
	Requirements Requirements
	TTL          time.Duration
}

// CreateParty creates a new party with a generated ID and timestamps.
// The owner is the first participant; a single-seat party starts FULL.
func CreateParty(input CreatePartyInput, now func() time.Time, idGenerator func() (string, error)) (Party, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreatePartyInput(input)
	if err != nil {
		return Party{}, err
	}

	partyID, err := idGenerator()
	if err != nil {
		return Party{}, fmt.Errorf("generate party id: %w", err)
	}

	createdAt := now().UTC()
	party := Party{
		ID:           partyID,
		OwnerID:      normalized.OwnerID,
		Participants: []string{normalized.OwnerID},
		MaxPlayers:   normalized.MaxPlayers,
		Requirements: normalized.Requirements,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(normalized.TTL),
	}
	party.recomputeStatus()
	return party, nil
}

// NormalizeCreatePartyInput trims and validates party input metadata.
func NormalizeCreatePartyInput(input CreatePartyInput) (CreatePartyInput, error) {
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	if input.OwnerID == "" {
		return CreatePartyInput{}, ErrEmptyOwnerID
	}
	if input.MaxPlayers <= 0 {
		return CreatePartyInput{}, ErrInvalidMaxPlayers
	}
	if input.TTL <= 0 {
		input.TTL = DefaultTTL
	}
	return input, nil
}

// DefaultTTL bounds party lifetime when creation does not override it.
const DefaultTTL = 30 * time.Minute

// HasParticipant reports whether userID belongs to the participant set.
func (p Party) HasParticipant(userID string) bool {
	return containsID(p.Participants, userID)
}

// HasJoinRequest reports whether userID has a pending join request.
func (p Party) HasJoinRequest(userID string) bool {
	return containsID(p.JoinRequests, userID)
}

// IsInvited reports whether userID was pre-authorized to join.
func (p Party) IsInvited(userID string) bool {
	return containsID(p.InvitedUsers, userID)
}

// IsExpired reports whether the party deadline has passed.
func (p Party) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AddParticipant adds userID to the participant set and recomputes status.
// The join request and invite entries for the user are consumed atomically.
func (p *Party) AddParticipant(userID string) error {
	if p.Status == StatusClosed {
		return ErrPartyClosed
	}
	if containsID(p.Participants, userID) {
		return ErrAlreadyParticipant
	}
	if len(p.Participants) >= p.MaxPlayers {
		return ErrPartyFull
	}
	p.Participants = append(p.Participants, userID)
	p.JoinRequests = removeID(p.JoinRequests, userID)
	p.InvitedUsers = removeID(p.InvitedUsers, userID)
	p.recomputeStatus()
	return nil
}

// RemoveParticipant removes userID from the participant set and recomputes status.
func (p *Party) RemoveParticipant(userID string) error {
	if p.Status == StatusClosed {
		return ErrPartyClosed
	}
	if !containsID(p.Participants, userID) {
		return ErrNotAParticipant
	}
	p.Participants = removeID(p.Participants, userID)
	p.recomputeStatus()
	return nil
}

// AddJoinRequest records a pending ask-to-join for userID.
func (p *Party) AddJoinRequest(userID string) error {
	if p.Status == StatusClosed {
		return ErrPartyClosed
	}
	if containsID(p.Participants, userID) {
		return ErrAlreadyParticipant
	}
	if containsID(p.JoinRequests, userID) {
		return ErrAlreadyRequested
	}
	p.JoinRequests = append(p.JoinRequests, userID)
	return nil
}

// RemoveJoinRequest drops the pending request for userID, reporting whether
// one existed.
func (p *Party) RemoveJoinRequest(userID string) bool {
	if !containsID(p.JoinRequests, userID) {
		return false
	}
	p.JoinRequests = removeID(p.JoinRequests, userID)
	return true
}

// AddInvitedUser pre-authorizes userID to join an invite-only party.
func (p *Party) AddInvitedUser(userID string) {
	if containsID(p.InvitedUsers, userID) {
		return
	}
	p.InvitedUsers = append(p.InvitedUsers, userID)
}

// Close transitions the party to its terminal state.
func (p *Party) Close() {
	p.Status = StatusClosed
}

func (p *Party) recomputeStatus() {
	if p.Status == StatusClosed {
		return
	}
	if len(p.Participants) >= p.MaxPlayers {
		p.Status = StatusFull
		return
	}
	p.Status = StatusOpen
}

func containsID(ids []string, target string) bool {
	for _, candidate := range ids {
		if candidate == target {
			return true
		}
	}
	return false
}

func removeID(ids []string, target string) []string {
	filtered := ids[:0]
	for _, candidate := range ids {
		if candidate != target {
			filtered = append(filtered, candidate)
		}
	}
	return filtered
}
