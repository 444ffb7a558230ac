package sweeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/squadup/partyhub/internal/party/domain"
	"github.com/squadup/partyhub/internal/storage"
)

type fakePartyStore struct {
	mu      sync.Mutex
	parties map[string]domain.Party
}

func newFakePartyStore() *fakePartyStore {
	return &fakePartyStore{parties: make(map[string]domain.Party)}
}

func (f *fakePartyStore) put(party domain.Party) {
	f.mu.Lock()
	f.parties[party.ID] = party
	f.mu.Unlock()
}

func (f *fakePartyStore) PutParty(_ context.Context, party domain.Party) error {
	f.put(party)
	return nil
}

func (f *fakePartyStore) GetParty(_ context.Context, partyID string) (domain.Party, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	party, ok := f.parties[partyID]
	if !ok {
		return domain.Party{}, storage.ErrNotFound
	}
	return party, nil
}

func (f *fakePartyStore) DeleteParty(_ context.Context, partyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.parties[partyID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.parties, partyID)
	return nil
}

func (f *fakePartyStore) FindByParticipant(context.Context, string) (domain.Party, error) {
	return domain.Party{}, storage.ErrNotFound
}

func (f *fakePartyStore) ListOpenParties(context.Context, int, string) (storage.PartyPage, error) {
	return storage.PartyPage{}, nil
}

func (f *fakePartyStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Party, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []domain.Party
	for _, party := range f.parties {
		if party.Status != domain.StatusClosed && party.IsExpired(now) && party.TrackingState != domain.TrackingProcessed && len(expired) < limit {
			expired = append(expired, party)
		}
	}
	return expired, nil
}

func (f *fakePartyStore) SetTrackingState(_ context.Context, partyID string, from, to domain.TrackingState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	party, ok := f.parties[partyID]
	if !ok || party.TrackingState != from {
		return storage.ErrNotFound
	}
	party.TrackingState = to
	f.parties[partyID] = party
	return nil
}

func (f *fakePartyStore) trackingState(partyID string) (domain.TrackingState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	party, ok := f.parties[partyID]
	return party.TrackingState, ok
}

// fakeLifecycle removes parties from the store like the real service would,
// or fails on demand.
type fakeLifecycle struct {
	mu      sync.Mutex
	store   *fakePartyStore
	failIDs map[string]error
	swept   []string
}

func (f *fakeLifecycle) SweepExpired(ctx context.Context, partyID string) error {
	f.mu.Lock()
	err, shouldFail := f.failIDs[partyID]
	f.mu.Unlock()
	if shouldFail {
		return err
	}
	if removeErr := f.store.DeleteParty(ctx, partyID); removeErr != nil {
		return removeErr
	}
	f.mu.Lock()
	f.swept = append(f.swept, partyID)
	f.mu.Unlock()
	return nil
}

func expiredParty(id string, expiresAt time.Time) domain.Party {
	return domain.Party{
		ID:           id,
		OwnerID:      "owner-" + id,
		Status:       domain.StatusOpen,
		Participants: []string{"owner-" + id},
		MaxPlayers:   4,
		CreatedAt:    expiresAt.Add(-time.Hour),
		ExpiresAt:    expiresAt,
	}
}

func TestSweepOnceRemovesOverdueParties(t *testing.T) {
	store := newFakePartyStore()
	lifecycle := &fakeLifecycle{store: store}
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

	store.put(expiredParty("party-1", now.Add(-time.Minute)))
	store.put(expiredParty("party-2", now.Add(-time.Hour)))
	store.put(expiredParty("party-fresh", now.Add(time.Hour)))

	sweeper := New(store, lifecycle, nil, Config{})
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep once: %v", err)
	}

	if len(lifecycle.swept) != 2 {
		t.Fatalf("expected 2 swept parties, got %v", lifecycle.swept)
	}
	if _, ok := store.trackingState("party-1"); ok {
		t.Fatal("swept party should be removed from the store")
	}
	if state, ok := store.trackingState("party-fresh"); !ok || state != domain.TrackingUntracked {
		t.Fatal("fresh party must be untouched")
	}
}

func TestSweepReleasesClaimOnFailure(t *testing.T) {
	store := newFakePartyStore()
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	store.put(expiredParty("party-1", now.Add(-time.Minute)))

	lifecycle := &fakeLifecycle{
		store:   store,
		failIDs: map[string]error{"party-1": fmt.Errorf("simulated close failure")},
	}
	sweeper := New(store, lifecycle, nil, Config{})
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep once: %v", err)
	}

	state, ok := store.trackingState("party-1")
	if !ok {
		t.Fatal("failed party should remain in the store")
	}
	if state != domain.TrackingUntracked {
		t.Fatalf("expected claim released for retry, got state %s", domain.TrackingStateLabel(state))
	}

	// Retry succeeds once the failure clears.
	lifecycle.mu.Lock()
	delete(lifecycle.failIDs, "party-1")
	lifecycle.mu.Unlock()
	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if _, ok := store.trackingState("party-1"); ok {
		t.Fatal("party should be removed after retry")
	}
}

func TestSweepTreatsAlreadyRemovedAsSuccess(t *testing.T) {
	store := newFakePartyStore()
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	party := expiredParty("party-1", now.Add(-time.Minute))
	store.put(party)

	// The lifecycle reports the record gone, as if a user deleted it
	// between the listing and the claim.
	lifecycle := &fakeLifecycle{
		store:   store,
		failIDs: map[string]error{"party-1": storage.ErrNotFound},
	}
	sweeper := New(store, lifecycle, nil, Config{})
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep once: %v", err)
	}

	state, ok := store.trackingState("party-1")
	if !ok {
		t.Fatal("record retained by the store should still exist")
	}
	if state != domain.TrackingProcessed {
		t.Fatalf("expected PROCESSED, got %s", domain.TrackingStateLabel(state))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newFakePartyStore()
	lifecycle := &fakeLifecycle{store: store}
	sweeper := New(store, lifecycle, nil, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sweeper.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
