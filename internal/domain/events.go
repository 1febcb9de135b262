package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventOrderCreated               EventType = "OrderCreated"
	EventPaymentCompleted           EventType = "PaymentCompleted"
	EventPaymentFailed              EventType = "PaymentFailed"
	EventCancelInventoryReservation EventType = "CancelInventoryReservation"
)

var ErrUnknownEventType = errors.New("unknown event type")

// Payload is the event-specific body of an Event. The set of implementations
// is closed: only the payload types declared in this package satisfy it.
type Payload interface {
	EventType() EventType
	payload()
}

type OrderCreated struct {
	OrderID    string      `json:"orderId"`
	CustomerID string      `json:"customerId"`
	Items      []OrderItem `json:"items"`
	Total      int64       `json:"total"`
}

type PaymentCompleted struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
}

type PaymentFailed struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type CancelInventoryReservation struct {
	OrderID string `json:"orderId"`
}

func (OrderCreated) EventType() EventType               { return EventOrderCreated }
func (PaymentCompleted) EventType() EventType           { return EventPaymentCompleted }
func (PaymentFailed) EventType() EventType              { return EventPaymentFailed }
func (CancelInventoryReservation) EventType() EventType { return EventCancelInventoryReservation }

func (OrderCreated) payload()               {}
func (PaymentCompleted) payload()           {}
func (PaymentFailed) payload()              {}
func (CancelInventoryReservation) payload() {}

// Event is the envelope carried on the bus. It is never modified after
// NewEvent returns.
type Event struct {
	Type      EventType
	ID        string
	Timestamp time.Time
	Data      Payload
}

func NewEvent(data Payload) Event {
	return Event{
		Type:      data.EventType(),
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

type wireEvent struct {
	EventType EventType       `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	EventID   string          `json:"eventId"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("marshal event %s: missing data", e.ID)
	}
	if e.Data.EventType() != e.Type {
		return nil, fmt.Errorf("marshal event %s: type %s does not match payload %s", e.ID, e.Type, e.Data.EventType())
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}

	return json.Marshal(wireEvent{
		EventType: e.Type,
		Data:      data,
		Timestamp: e.Timestamp,
		EventID:   e.ID,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	data, err := decodePayload(w.EventType, w.Data)
	if err != nil {
		return err
	}

	*e = Event{
		Type:      w.EventType,
		ID:        w.EventID,
		Timestamp: w.Timestamp,
		Data:      data,
	}
	return nil
}

func decodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	switch t {
	case EventOrderCreated:
		return decodeInto[OrderCreated](t, raw)
	case EventPaymentCompleted:
		return decodeInto[PaymentCompleted](t, raw)
	case EventPaymentFailed:
		return decodeInto[PaymentFailed](t, raw)
	case EventCancelInventoryReservation:
		return decodeInto[CancelInventoryReservation](t, raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

func decodeInto[T Payload](t EventType, raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode %s payload: missing data", t)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
