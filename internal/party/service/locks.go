package service

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/squadup/partyhub/internal/platform/errors"
	"github.com/squadup/partyhub/internal/platform/timeouts"
)

// ErrBusy indicates a party mutation could not acquire the party lock in time.
// Callers may retry.
var ErrBusy = apperrors.New(apperrors.CodeBusy, "party is busy, retry the operation")

// keyedLocks serializes mutations per party id. Entries are reference counted
// so the map does not grow with the total number of parties ever seen.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocks(timeout time.Duration) *keyedLocks {
	if timeout <= 0 {
		timeout = timeouts.LockAcquire
	}
	return &keyedLocks{
		entries: make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// acquire blocks until the key's lock is held, the timeout elapses, or ctx is
// cancelled. On success the returned function releases the lock.
func (l *keyedLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.unref(key, entry)
		}, nil
	case <-timer.C:
		l.unref(key, entry)
		return nil, ErrBusy
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, ctx.Err()
	}
}

func (l *keyedLocks) unref(key string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}
