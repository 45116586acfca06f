package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents one user-submitted instruction.
//
// While the order is open, FilledQty + PendingQty always equals Quantity.
// MarginBlocked records the exact amount reserved at acceptance; release
// always uses this recorded amount, never a recomputation.
type Order struct {
	ID            string
	UserID        string
	Strategy      string
	Symbol        string
	Exchange      Exchange
	Side          OrderSide
	Quantity      int
	Price         decimal.Decimal // Limit price; zero for MARKET/SL-M
	TriggerPrice  decimal.Decimal // For SL/SL-M
	Type          OrderType
	Product       ProductType
	Status        OrderStatus
	FilledQty     int
	PendingQty    int
	AveragePrice  decimal.Decimal
	MarginBlocked decimal.Decimal
	MarginFreed   bool // Margin has been released or handed to a position
	Triggered     bool // SL/SL-M trigger has fired
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOpen reports whether the order can still fill or be cancelled.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen
}

// Trade is an immutable fill record, created only by the matching engine.
type Trade struct {
	ID        string
	OrderID   string
	UserID    string
	Symbol    string
	Exchange  Exchange
	Side      OrderSide
	Quantity  int
	Price     decimal.Decimal
	Product   ProductType
	CreatedAt time.Time
}

// QueueStatus represents the delivery state of a queue entry.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed" // Dead-letter, never auto-retried
)

// QueueEntry is a durable delivery envelope around an order submission.
// It owns no trading semantics.
type QueueEntry struct {
	ID         string
	Endpoint   string
	Payload    []byte
	Status     QueueStatus
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
