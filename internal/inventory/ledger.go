package inventory

import (
	"context"
	"sync"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

// Ledger records released reservations. Record reports false when the event
// was already recorded.
type Ledger interface {
	Record(ctx context.Context, c domain.Cancellation) (bool, error)
	List(ctx context.Context) ([]domain.Cancellation, error)
}

type MemoryLedger struct {
	mu      sync.RWMutex
	seen    map[string]struct{}
	entries []domain.Cancellation
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) Record(_ context.Context, c domain.Cancellation) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[c.EventID]; ok {
		return false, nil
	}
	l.seen[c.EventID] = struct{}{}
	l.entries = append(l.entries, c)
	return true, nil
}

func (l *MemoryLedger) List(_ context.Context) ([]domain.Cancellation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Cancellation, len(l.entries))
	copy(out, l.entries)
	return out, nil
}
