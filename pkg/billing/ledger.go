package billing

import (
	"context"
	"sync"
	"time"
)

// EventLedger remembers processed event ids so one-shot side effects run at
// most once per event.
type EventLedger interface {
	// Seen reports whether eventID was already processed.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Mark records eventID as processed.
	Mark(ctx context.Context, eventID string) error
}

// MemoryLedger is an in-process EventLedger with a retention window.
type MemoryLedger struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	writes int
}

// NewMemoryLedger creates a ledger that forgets ids after ttl (default 72h).
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &MemoryLedger{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (l *MemoryLedger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.seen[eventID]
	if !ok {
		return false, nil
	}
	if l.now().Sub(at) > l.ttl {
		delete(l.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) Mark(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.seen[eventID] = now

	l.writes++
	if l.writes%100 == 0 {
		for id, at := range l.seen {
			if now.Sub(at) > l.ttl {
				delete(l.seen, id)
			}
		}
	}
	return nil
}
