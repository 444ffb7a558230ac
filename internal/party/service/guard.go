package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/squadup/partyhub/internal/platform/errors"
	"github.com/squadup/partyhub/internal/storage"
)

// MembershipGuard enforces the one-active-party-per-user rule on top of the
// reservation index. Reservations are claimed before the party record mutates
// and released after the user leaves, so two concurrent joins for the same
// user resolve to exactly one membership even across processes.
type MembershipGuard struct {
	reservations storage.ReservationStore
}

// NewMembershipGuard wires the guard to a reservation store.
func NewMembershipGuard(reservations storage.ReservationStore) *MembershipGuard {
	return &MembershipGuard{reservations: reservations}
}

// Reserve claims the active-party slot for userID. A lost claim surfaces as an
// ALREADY_IN_PARTY error carrying the party the user currently belongs to.
func (g *MembershipGuard) Reserve(ctx context.Context, userID, partyID string, at time.Time) error {
	err := g.reservations.Reserve(ctx, userID, partyID, at)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrAlreadyReserved) {
		return err
	}

	metadata := map[string]string{"user_id": userID}
	if existing, getErr := g.reservations.GetReservation(ctx, userID); getErr == nil {
		metadata["active_party_id"] = existing.PartyID
	}
	return apperrors.WithMetadata(apperrors.CodeAlreadyInParty, "user already belongs to an active party", metadata)
}

// Release frees the active-party slot for userID. Absent claims are ignored.
func (g *MembershipGuard) Release(ctx context.Context, userID string) error {
	return g.reservations.ReleaseReservation(ctx, userID)
}

// ActiveParty reports the party the user currently holds a claim on.
func (g *MembershipGuard) ActiveParty(ctx context.Context, userID string) (string, bool, error) {
	reservation, err := g.reservations.GetReservation(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return reservation.PartyID, true, nil
}
