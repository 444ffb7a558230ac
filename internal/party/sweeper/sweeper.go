// Package sweeper closes parties whose deadline passed.
//
// Each pass queries the store for overdue records and claims them one at a
// time through a conditional tracking-state update, so concurrent sweep
// workers in a multi-process deployment never double-close a party.
package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/squadup/partyhub/internal/party/domain"
	"github.com/squadup/partyhub/internal/platform/timeouts"
	"github.com/squadup/partyhub/internal/storage"
)

const (
	defaultInterval   = 30 * time.Second
	defaultBatchLimit = 100
)

// Lifecycle is the slice of the party service the sweeper drives.
type Lifecycle interface {
	// SweepExpired removes a party on behalf of the system. Returns
	// storage.ErrNotFound when a user action already removed it.
	SweepExpired(ctx context.Context, partyID string) error
}

// Config controls sweep cadence and batch sizing.
type Config struct {
	Interval     time.Duration
	BatchLimit   int
	BatchTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = timeouts.SweepBatch
	}
	return c
}

// Sweeper periodically removes expired parties.
type Sweeper struct {
	parties   storage.PartyStore
	lifecycle Lifecycle
	cfg       Config
	now       func() time.Time

	sweptTotal  prometheus.Counter
	failedTotal prometheus.Counter
}

// New constructs a sweeper. A nil registerer skips metric registration.
func New(parties storage.PartyStore, lifecycle Lifecycle, registerer prometheus.Registerer, cfg Config) *Sweeper {
	s := &Sweeper{
		parties:   parties,
		lifecycle: lifecycle,
		cfg:       cfg.normalized(),
		now:       time.Now,
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partyhub_sweeper_parties_swept_total",
			Help: "Expired parties removed by the sweeper.",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "partyhub_sweeper_failures_total",
			Help: "Sweep attempts that failed and were released for retry.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(s.sweptTotal, s.failedTotal)
	}
	return s
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Printf("party sweeper: sweep pass failed: %v", err)
			}
		}
	}
}

// SweepOnce processes a single batch of expired parties. Failures on one
// party never block the rest of the batch.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	expired, err := s.parties.ListExpired(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		return err
	}

	for _, party := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sweep(ctx, party.ID)
	}
	return nil
}

func (s *Sweeper) sweep(ctx context.Context, partyID string) {
	// Claim the party; losing the claim means another worker owns it.
	err := s.parties.SetTrackingState(ctx, partyID, domain.TrackingUntracked, domain.TrackingClaimed)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("party sweeper: claim %s: %v", partyID, err)
		}
		return
	}

	err = s.lifecycle.SweepExpired(ctx, partyID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// Release the claim so a later pass retries.
		if revertErr := s.parties.SetTrackingState(ctx, partyID, domain.TrackingClaimed, domain.TrackingUntracked); revertErr != nil && !errors.Is(revertErr, storage.ErrNotFound) {
			log.Printf("party sweeper: release claim %s: %v", partyID, revertErr)
		}
		s.failedTotal.Inc()
		log.Printf("party sweeper: close %s: %v", partyID, err)
		return
	}

	// The record is usually deleted by now; marking it is best effort for
	// deployments that retain closed parties for audit.
	if markErr := s.parties.SetTrackingState(ctx, partyID, domain.TrackingClaimed, domain.TrackingProcessed); markErr != nil && !errors.Is(markErr, storage.ErrNotFound) {
		log.Printf("party sweeper: mark processed %s: %v", partyID, markErr)
	}
	s.sweptTotal.Inc()
	log.Printf("party sweeper: removed expired party %s", partyID)
}
