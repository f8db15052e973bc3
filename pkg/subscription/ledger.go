package subscription

import (
	"context"
	"sync"
	"time"
)

// EventLedger remembers provider event IDs that were already applied so a
// redelivery can be acknowledged without touching the store. Application is
// idempotent without a ledger; the ledger only saves work.
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// MemoryLedger is a process-local EventLedger with a fixed retention window.
type MemoryLedger struct {
	mu        sync.Mutex
	ttl       time.Duration
	events    map[string]time.Time
	now       func() time.Time
	nextPrune time.Time
}

// ledgerPruneEvery caps how often Remember sweeps expired IDs.
const ledgerPruneEvery = time.Minute

// NewMemoryLedger returns a ledger that forgets event IDs after ttl.
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		panic("subscription: ledger ttl must be positive")
	}
	return &MemoryLedger{
		ttl:    ttl,
		events: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryLedger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.events[eventID]
	if !ok {
		return false, nil
	}
	if l.now().After(exp) {
		delete(l.events, eventID)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) Remember(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !now.Before(l.nextPrune) {
		for id, exp := range l.events {
			if now.After(exp) {
				delete(l.events, id)
			}
		}
		l.nextPrune = now.Add(min(l.ttl, ledgerPruneEvery))
	}
	l.events[eventID] = now.Add(l.ttl)
	return nil
}

// size returns the number of retained event IDs, expired or not.
func (l *MemoryLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
