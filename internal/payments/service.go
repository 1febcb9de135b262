package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
	"github.com/joao-fontenele/orderflow-saga/internal/messaging"
)

type Publisher interface {
	Publish(ctx context.Context, data domain.Payload) (domain.Event, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, eventType domain.EventType, handler messaging.Handler) (*messaging.Subscription, error)
}

// Service settles a payment for every OrderCreated it receives. There is no
// duplicate guard: a redelivered OrderCreated produces a second payment.
type Service struct {
	store     Store
	decider   Decider
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, decider Decider, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		decider:   decider,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Start(ctx context.Context, sub Subscriber) error {
	_, err := sub.Subscribe(ctx, domain.EventOrderCreated, s.HandleEvent)
	return err
}

func (s *Service) HandleEvent(ctx context.Context, event domain.Event) error {
	order, ok := event.Data.(domain.OrderCreated)
	if !ok {
		s.logger.Warn("ignoring unexpected event", "event_type", event.Type, "event_id", event.ID)
		return nil
	}

	_, err := s.ProcessOrder(ctx, order)
	return err
}

// ProcessOrder records the payment outcome for order and publishes exactly
// one of PaymentCompleted or PaymentFailed.
func (s *Service) ProcessOrder(ctx context.Context, order domain.OrderCreated) (*domain.Payment, error) {
	if order.OrderID == "" {
		return nil, errors.New("order created event without orderId")
	}

	decision := s.decider.Decide(ctx, order)

	payment := &domain.Payment{
		ID:         uuid.NewString(),
		OrderID:    order.OrderID,
		CustomerID: order.CustomerID,
		Amount:     order.Total,
		Status:     domain.PaymentStatusCompleted,
		Timestamp:  s.now(),
	}
	if !decision.Approved {
		payment.Status = domain.PaymentStatusFailed
	}

	if err := s.store.Create(ctx, payment); err != nil {
		return nil, fmt.Errorf("store payment for order %s: %w", order.OrderID, err)
	}

	var outcome domain.Payload
	if decision.Approved {
		outcome = domain.PaymentCompleted{OrderID: order.OrderID, PaymentID: payment.ID, Amount: payment.Amount}
		s.logger.Info("payment completed", "order_id", order.OrderID, "payment_id", payment.ID, "amount", payment.Amount)
	} else {
		outcome = domain.PaymentFailed{OrderID: order.OrderID, Reason: decision.Reason}
		s.logger.Info("payment failed", "order_id", order.OrderID, "payment_id", payment.ID, "reason", decision.Reason)
	}

	if _, err := s.publisher.Publish(ctx, outcome); err != nil {
		return payment, fmt.Errorf("publish payment outcome for order %s: %w", order.OrderID, err)
	}
	return payment, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return s.store.List(ctx, orderID)
}
