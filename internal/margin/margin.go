// Package margin computes order margin requirements and performs atomic
// block/release against a user's available balance.
package margin

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"sandbox-exchange/internal/config"
	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/store"
)

// Engine applies the leverage table and moves margin between a user's
// available balance and used margin in single ledger transactions.
type Engine struct {
	store   *store.SQLiteStore
	runtime *config.Runtime
}

// NewEngine creates a margin engine.
func NewEngine(s *store.SQLiteStore, r *config.Runtime) *Engine {
	return &Engine{store: s, runtime: r}
}

// RequiredMargin returns the margin a candidate order must block.
// price is the basis price: the limit price for LIMIT/SL orders, the
// current oracle price otherwise. Leverage follows the configured table:
// equity CNC 1x, equity MIS configurable, futures configurable, options
// full premium on both sides.
func (e *Engine) RequiredMargin(ctx context.Context, order *models.Order, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(int64(order.Quantity)))
	class := models.ClassifyInstrument(order.Exchange, order.Symbol)
	leverage := e.runtime.Leverage(ctx, class, order.Product)
	if leverage.LessThanOrEqual(decimal.Zero) {
		return notional
	}
	return notional.DivRound(leverage, 2)
}

// BasisPrice returns the price RequiredMargin should use for an order.
// Orders carrying a limit price margin against it; pure market-style
// orders margin against the quoted last price.
func BasisPrice(order *models.Order, lastPrice decimal.Decimal) decimal.Decimal {
	if order.Price.GreaterThan(decimal.Zero) {
		return order.Price
	}
	return lastPrice
}

// Block atomically reserves amount from the user's available balance.
// Runs inside the caller's transaction so a failed block leaves the
// ledger untouched along with everything else in the tx.
func (e *Engine) Block(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal) error {
	funds, err := e.store.GetFunds(ctx, tx, userID)
	if err != nil {
		return err
	}
	if funds.AvailableBalance.LessThan(amount) {
		return sberrors.ErrInsufficientMargin
	}
	funds.AvailableBalance = funds.AvailableBalance.Sub(amount)
	funds.UsedMargin = funds.UsedMargin.Add(amount)
	return e.store.UpdateFunds(ctx, tx, funds)
}

// ReleaseOrder returns an order's blocked margin to available balance,
// using the exact amount recorded on the order. Idempotent: the order's
// MarginFreed flag guards against double release; repeated calls are
// no-ops.
func (e *Engine) ReleaseOrder(ctx context.Context, tx *sql.Tx, order *models.Order) error {
	if order.MarginFreed || order.MarginBlocked.IsZero() {
		order.MarginFreed = true
		return nil
	}
	funds, err := e.store.GetFunds(ctx, tx, order.UserID)
	if err != nil {
		return err
	}
	funds.AvailableBalance = funds.AvailableBalance.Add(order.MarginBlocked)
	funds.UsedMargin = funds.UsedMargin.Sub(order.MarginBlocked)
	if err := e.store.UpdateFunds(ctx, tx, funds); err != nil {
		return err
	}
	order.MarginFreed = true
	return nil
}
