package domain

import "time"

// Cancellation records a CancelInventoryReservation received by the
// inventory collaborator.
type Cancellation struct {
	OrderID    string    `json:"orderId"`
	EventID    string    `json:"eventId"`
	ReceivedAt time.Time `json:"receivedAt"`
}
