package orders

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

// Service drives the order side of the saga: it opens orders and settles
// them from payment outcomes, publishing the inventory compensation when a
// payment fails.
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateOrderInput struct {
	CustomerID string
	Items      []domain.OrderItem
	Total      int64
}

// CreateOrder stores a PENDING order and announces it. When the announcement
// fails the order is returned together with the error and stays PENDING.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	items := in.Items
	if items == nil {
		items = []domain.OrderItem{}
	}

	order := &domain.Order{
		ID:         uuid.NewString(),
		CustomerID: in.CustomerID,
		Items:      items,
		Total:      in.Total,
		Status:     domain.OrderStatusPending,
		CreatedAt:  s.now(),
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("store order: %w", err)
	}

	s.logger.Info("order created", "order_id", order.ID, "customer_id", order.CustomerID, "total", order.Total)

	_, err := s.publisher.Publish(ctx, domain.OrderCreated{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Items:      order.Items,
		Total:      order.Total,
	})
	if err != nil {
		s.logger.Error("failed to publish order created event", "order_id", order.ID, "error", err)
		return order, fmt.Errorf("publish order created: %w", err)
	}

	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return s.store.List(ctx)
}

// Start subscribes to the payment outcomes. The subscriptions live until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context, sub Subscriber) error {
	for _, eventType := range []domain.EventType{domain.EventPaymentCompleted, domain.EventPaymentFailed} {
		if _, err := sub.Subscribe(ctx, eventType, s.HandleEvent); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) HandleEvent(ctx context.Context, event domain.Event) error {
	switch data := event.Data.(type) {
	case domain.PaymentCompleted:
		return s.handlePaymentCompleted(ctx, data)
	case domain.PaymentFailed:
		return s.handlePaymentFailed(ctx, data)
	default:
		s.logger.Warn("ignoring unexpected event", "event_type", event.Type, "event_id", event.ID)
		return nil
	}
}

func (s *Service) handlePaymentCompleted(ctx context.Context, data domain.PaymentCompleted) error {
	order, err := s.store.Update(ctx, data.OrderID, func(o *domain.Order) error {
		return o.Confirm(data.PaymentID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Warn("payment completed for settled order", "order_id", data.OrderID, "payment_id", data.PaymentID, "error", err)
			return nil
		}
		return fmt.Errorf("confirm order %s: %w", data.OrderID, err)
	}
	if order == nil {
		s.logger.Warn("payment completed for unknown order", "order_id", data.OrderID, "payment_id", data.PaymentID)
		return nil
	}

	s.logger.Info("order confirmed", "order_id", order.ID, "payment_id", order.PaymentID)
	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, data domain.PaymentFailed) error {
	order, err := s.store.Update(ctx, data.OrderID, func(o *domain.Order) error {
		return o.Fail(data.Reason)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Warn("payment failed for settled order", "order_id", data.OrderID, "error", err)
			return nil
		}
		return fmt.Errorf("fail order %s: %w", data.OrderID, err)
	}
	if order == nil {
		s.logger.Warn("payment failed for unknown order", "order_id", data.OrderID)
		return nil
	}

	s.logger.Info("order failed", "order_id", order.ID, "reason", order.FailureReason)

	if _, err := s.publisher.Publish(ctx, domain.CancelInventoryReservation{OrderID: order.ID}); err != nil {
		return fmt.Errorf("publish inventory compensation for order %s: %w", order.ID, err)
	}
	return nil
}
