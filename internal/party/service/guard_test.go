package service

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/squadup/partyhub/internal/platform/errors"
)

func TestGuardReserveReportsActiveParty(t *testing.T) {
	store := newFakeStore()
	guard := NewMembershipGuard(store)
	ctx := context.Background()
	at := time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)

	if err := guard.Reserve(ctx, "user-1", "party-1", at); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err := guard.Reserve(ctx, "user-1", "party-2", at)
	if apperrors.CodeOf(err) != apperrors.CodeAlreadyInParty {
		t.Fatalf("expected ALREADY_IN_PARTY, got %v", err)
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Metadata["active_party_id"] != "party-1" {
		t.Fatalf("expected losing claim to name the held party, got %v", err)
	}
}

func TestGuardReleaseFreesSlot(t *testing.T) {
	store := newFakeStore()
	guard := NewMembershipGuard(store)
	ctx := context.Background()

	if err := guard.Reserve(ctx, "user-1", "party-1", time.Now()); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := guard.Release(ctx, "user-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := guard.Reserve(ctx, "user-1", "party-2", time.Now()); err != nil {
		t.Fatalf("re-reserve after release: %v", err)
	}

	partyID, held, err := guard.ActiveParty(ctx, "user-1")
	if err != nil || !held || partyID != "party-2" {
		t.Fatalf("expected active party-2, got %q held=%v err=%v", partyID, held, err)
	}
}

func TestKeyedLocksTimeout(t *testing.T) {
	locks := newKeyedLocks(20 * time.Millisecond)
	ctx := context.Background()

	release, err := locks.acquire(ctx, "party-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := locks.acquire(ctx, "party-1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Independent keys do not contend.
	otherRelease, err := locks.acquire(ctx, "party-2")
	if err != nil {
		t.Fatalf("independent acquire: %v", err)
	}
	otherRelease()

	release()
	again, err := locks.acquire(ctx, "party-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
