package payments

import (
	"context"
	"sort"
	"sync"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

// Store persists payment records. GetByID returns nil, nil for an unknown id.
type Store interface {
	Create(ctx context.Context, payment *domain.Payment) error
	GetByID(ctx context.Context, id string) (*domain.Payment, error)
	// List returns payments oldest first, restricted to orderID when it is
	// not empty.
	List(ctx context.Context, orderID string) ([]domain.Payment, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]domain.Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]domain.Payment)}
}

func (s *MemoryStore) Create(_ context.Context, payment *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[payment.ID] = *payment
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.payments[id]
	if !ok {
		return nil, nil
	}
	return &payment, nil
}

func (s *MemoryStore) List(_ context.Context, orderID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := make([]domain.Payment, 0, len(s.payments))
	for _, payment := range s.payments {
		if orderID != "" && payment.OrderID != orderID {
			continue
		}
		payments = append(payments, payment)
	}
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].Timestamp.Equal(payments[j].Timestamp) {
			return payments[i].ID < payments[j].ID
		}
		return payments[i].Timestamp.Before(payments[j].Timestamp)
	})
	return payments, nil
}
