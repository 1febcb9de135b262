package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

type Payment struct {
	ID         string        `json:"id"`
	OrderID    string        `json:"orderId"`
	CustomerID string        `json:"customerId"`
	Amount     int64         `json:"amount"`
	Status     PaymentStatus `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
}
