package domain

import (
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusFailed
}

// CanTransitionTo reports whether next is reachable from s. Only PENDING has
// outgoing edges.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderStatusPending && next.IsTerminal()
}

type OrderItem struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type Order struct {
	ID            string      `json:"id"`
	CustomerID    string      `json:"customerId"`
	Items         []OrderItem `json:"items"`
	Total         int64       `json:"total"`
	Status        OrderStatus `json:"status"`
	PaymentID     string      `json:"paymentId,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func (o *Order) Confirm(paymentID string) error {
	if err := o.transition(OrderStatusConfirmed); err != nil {
		return err
	}
	o.PaymentID = paymentID
	return nil
}

func (o *Order) Fail(reason string) error {
	if err := o.transition(OrderStatusFailed); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}

func (o *Order) transition(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, o.ID, o.Status, next)
	}
	o.Status = next
	return nil
}

// Clone returns a copy that shares no slices with o.
func (o *Order) Clone() *Order {
	c := *o
	if o.Items != nil {
		c.Items = make([]OrderItem, len(o.Items))
		copy(c.Items, o.Items)
	}
	return &c
}

func TotalOf(items []OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += int64(item.Quantity) * item.Price
	}
	return total
}
