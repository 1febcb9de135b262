package payments

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
)

const (
	DefaultSuccessRate      = 0.8
	ReasonInsufficientFunds = "Insufficient funds"
)

type Decision struct {
	Approved bool
	Reason   string
}

func Approved() Decision { return Decision{Approved: true} }

func Declined(reason string) Decision { return Decision{Reason: reason} }

// Decider settles a payment for an order.
type Decider interface {
	Decide(ctx context.Context, order domain.OrderCreated) Decision
}

type DeciderFunc func(ctx context.Context, order domain.OrderCreated) Decision

func (f DeciderFunc) Decide(ctx context.Context, order domain.OrderCreated) Decision {
	return f(ctx, order)
}

// RandomDecider approves a fixed share of payments and declines the rest for
// insufficient funds.
type RandomDecider struct {
	successRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomDecider returns a decider approving successRate of the draws. A
// zero seed picks a random one.
func NewRandomDecider(successRate float64, seed uint64) *RandomDecider {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &RandomDecider{
		successRate: min(max(successRate, 0), 1),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (d *RandomDecider) Decide(_ context.Context, _ domain.OrderCreated) Decision {
	d.mu.Lock()
	draw := d.rng.Float64()
	d.mu.Unlock()

	if draw < d.successRate {
		return Approved()
	}
	return Declined(ReasonInsufficientFunds)
}
