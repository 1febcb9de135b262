package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

// Store persists orders. GetByID and Update return a nil order and nil error
// when the id is unknown.
type Store interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context) ([]domain.Order, error)
	// Update applies fn to the stored order atomically. Nothing is written
	// when fn returns an error.
	Update(ctx context.Context, id string, fn func(*domain.Order) error) (*domain.Order, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*domain.Order)}
}

func (s *MemoryStore) Create(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return order.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		orders = append(orders, *order.Clone())
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*domain.Order) error) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[id]
	if !ok {
		return nil, nil
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.orders[id] = next
	return next.Clone(), nil
}
