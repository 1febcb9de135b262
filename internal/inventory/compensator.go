package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/orderflow-saga/internal/domain"
	"github.com/joao-fontenele/orderflow-saga/internal/messaging"
)

type Subscriber interface {
	Subscribe(ctx context.Context, eventType domain.EventType, handler messaging.Handler) (*messaging.Subscription, error)
}

// Compensator releases the reservation of an order whose payment failed.
// Releases are recorded once per event id.
type Compensator struct {
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time
}

func NewCompensator(ledger Ledger, logger *slog.Logger) *Compensator {
	return &Compensator{
		ledger: ledger,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Compensator) Start(ctx context.Context, sub Subscriber) error {
	_, err := sub.Subscribe(ctx, domain.EventCancelInventoryReservation, c.HandleEvent)
	return err
}

func (c *Compensator) HandleEvent(ctx context.Context, event domain.Event) error {
	cancel, ok := event.Data.(domain.CancelInventoryReservation)
	if !ok {
		c.logger.Warn("ignoring unexpected event", "event_type", event.Type, "event_id", event.ID)
		return nil
	}

	recorded, err := c.ledger.Record(ctx, domain.Cancellation{
		OrderID:    cancel.OrderID,
		EventID:    event.ID,
		ReceivedAt: c.now(),
	})
	if err != nil {
		return fmt.Errorf("record cancellation for order %s: %w", cancel.OrderID, err)
	}

	if !recorded {
		c.logger.Info("cancellation already recorded", "order_id", cancel.OrderID, "event_id", event.ID)
		return nil
	}

	c.logger.Info("inventory reservation released", "order_id", cancel.OrderID, "event_id", event.ID)
	return nil
}

func (c *Compensator) Cancellations(ctx context.Context) ([]domain.Cancellation, error) {
	return c.ledger.List(ctx)
}
