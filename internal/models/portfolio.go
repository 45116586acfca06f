package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents net exposure per (user, symbol, exchange, product).
// Quantity is signed: positive long, negative short.
type Position struct {
	UserID        string
	Symbol        string
	Exchange      Exchange
	Product       ProductType
	Quantity      int
	AveragePrice  decimal.Decimal
	LastPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	PnLPercent    decimal.Decimal
	MarginBlocked decimal.Decimal // Margin held against this position
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key returns the unique position key.
func (p *Position) Key() string {
	return PositionKey(p.UserID, p.Symbol, p.Exchange, p.Product)
}

// PositionKey builds the unique key for a position row.
func PositionKey(userID, symbol string, exchange Exchange, product ProductType) string {
	return fmt.Sprintf("%s:%s:%s:%s", userID, exchange, symbol, product)
}

// Holding is a settled CNC position that has moved past settlement.
// Kept distinct from Position so same-day exposure and settled delivery
// are never conflated.
type Holding struct {
	UserID         string
	Symbol         string
	Exchange       Exchange
	Quantity       int
	AveragePrice   decimal.Decimal
	SettlementDate time.Time
	Settled        bool
	CreatedAt      time.Time
}

// Funds is the per-user capital ledger row.
//
// At any quiescent point (no order mid-flight):
//
//	AvailableBalance + UsedMargin == TotalCapital + RealizedPnL
type Funds struct {
	UserID           string
	TotalCapital     decimal.Decimal
	AvailableBalance decimal.Decimal
	UsedMargin       decimal.Decimal
	RealizedPnL      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	TotalPnL         decimal.Decimal
	LastReset        time.Time
	ResetCount       int
	UpdatedAt        time.Time
}
