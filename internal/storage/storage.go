// Package storage defines the persistence boundary for party records and the
// one-active-party reservation index.
package storage

import (
	"context"
	"time"

	"github.com/squadup/partyhub/internal/party/domain"
	apperrors "github.com/squadup/partyhub/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such party" states
// and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrAlreadyReserved indicates a reservation insert lost to an existing claim.
// This is the storage-level signal behind the one-active-party-per-user rule.
var ErrAlreadyReserved = apperrors.New(apperrors.CodeAlreadyReserved, "user already holds an active party reservation")

// Reservation binds a user to their single active party.
type Reservation struct {
	UserID    string
	PartyID   string
	ClaimedAt time.Time
}

// PartyPage describes a page of party records.
type PartyPage struct {
	Parties       []domain.Party
	NextPageToken string
}

// PartyStore owns durable party state, keyed by id with secondary lookups by
// participant and by sweep eligibility.
type PartyStore interface {
	// PutParty upserts the full party record.
	PutParty(ctx context.Context, party domain.Party) error
	// GetParty retrieves a party by id. Returns ErrNotFound when absent.
	GetParty(ctx context.Context, partyID string) (domain.Party, error)
	// DeleteParty removes a party record. Deleting an absent party returns
	// ErrNotFound so races surface to the caller.
	DeleteParty(ctx context.Context, partyID string) error
	// FindByParticipant returns the non-closed party containing userID.
	// Returns ErrNotFound when the user has no active party.
	FindByParticipant(ctx context.Context, userID string) (domain.Party, error)
	// ListOpenParties returns a page of OPEN parties ordered by creation time,
	// newest first, starting after the page token.
	ListOpenParties(ctx context.Context, pageSize int, pageToken string) (PartyPage, error)
	// ListExpired returns up to limit non-closed parties whose deadline passed
	// and whose tracking state is not PROCESSED.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Party, error)
	// SetTrackingState conditionally moves a party's tracking state.
	// Returns ErrNotFound when the party is absent or not in the from state,
	// so concurrent sweep workers claim each party at most once.
	SetTrackingState(ctx context.Context, partyID string, from, to domain.TrackingState) error
}

// ReservationStore enforces the single-active-party-per-user invariant with
// atomic conditional inserts.
type ReservationStore interface {
	// Reserve claims the active-party slot for userID. Returns
	// ErrAlreadyReserved when the user already holds a claim.
	Reserve(ctx context.Context, userID, partyID string, claimedAt time.Time) error
	// GetReservation returns the active claim for userID, or ErrNotFound.
	GetReservation(ctx context.Context, userID string) (Reservation, error)
	// ReleaseReservation frees the slot for userID. Releasing an absent
	// reservation is a no-op.
	ReleaseReservation(ctx context.Context, userID string) error
}

// Store is the composite persistence interface a deployment provides.
type Store interface {
	PartyStore
	ReservationStore
	Close() error
}
