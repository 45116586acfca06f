// Package accounting maintains weighted-average position cost, realized
// and unrealized P&L, and fund balances as trades settle.
package accounting

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"sandbox-exchange/internal/config"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/store"
)

// Engine applies fills to positions, holdings and funds.
type Engine struct {
	store   *store.SQLiteStore
	runtime *config.Runtime
}

// NewEngine creates an accounting engine.
func NewEngine(s *store.SQLiteStore, r *config.Runtime) *Engine {
	return &Engine{store: s, runtime: r}
}

// ApplyFill settles one fill inside the caller's transaction: updates the
// position (weighted-average add, linear realization on reduction,
// reversal at fill price), reconciles the order's blocked margin, and
// updates funds. Returns the realized P&L of the fill.
//
// Margin reconciliation: the portion of the order's blocked margin that
// opens exposure is handed to the position; the portion that reduces
// exposure is released, together with the reduced position's own margin.
// This counts as the order's one and only margin release.
func (e *Engine) ApplyFill(ctx context.Context, tx *sql.Tx, order *models.Order, price decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	pos, err := e.store.GetPosition(ctx, tx, order.UserID, order.Symbol, order.Exchange, order.Product)
	if err != nil {
		return decimal.Zero, err
	}

	dir := 1
	if order.Side == models.OrderSideSell {
		dir = -1
	}
	qty := order.Quantity

	// Split the fill into the part reducing existing opposite exposure
	// and the part opening new exposure.
	reduceQty := 0
	if pos != nil && pos.Quantity != 0 && sign(pos.Quantity) != dir {
		reduceQty = min(qty, abs(pos.Quantity))
	}
	openQty := qty - reduceQty

	realized := decimal.Zero
	released := decimal.Zero

	if reduceQty > 0 {
		closed := decimal.NewFromInt(int64(reduceQty))
		posSign := decimal.NewFromInt(int64(sign(pos.Quantity)))
		realized = price.Sub(pos.AveragePrice).Mul(closed).Mul(posSign)

		perUnit := pos.MarginBlocked.DivRound(decimal.NewFromInt(int64(abs(pos.Quantity))), 8)
		posRelease := perUnit.Mul(closed)
		released = released.Add(posRelease)

		pos.Quantity += dir * reduceQty
		pos.MarginBlocked = pos.MarginBlocked.Sub(posRelease)
	}

	// Split the order's own blocked margin proportionally.
	orderMargin := order.MarginBlocked
	if order.MarginFreed {
		orderMargin = decimal.Zero
	}
	openMargin := decimal.Zero
	if qty > 0 && !orderMargin.IsZero() {
		openMargin = orderMargin.Mul(decimal.NewFromInt(int64(openQty))).DivRound(decimal.NewFromInt(int64(qty)), 8)
	}
	released = released.Add(orderMargin.Sub(openMargin))

	if openQty > 0 {
		if pos == nil {
			pos = &models.Position{
				UserID:   order.UserID,
				Symbol:   order.Symbol,
				Exchange: order.Exchange,
				Product:  order.Product,
			}
		}
		if pos.Quantity == 0 {
			pos.Quantity = dir * openQty
			pos.AveragePrice = price
			pos.MarginBlocked = pos.MarginBlocked.Add(openMargin)
		} else {
			// Same-direction add: weighted average by quantity.
			existing := decimal.NewFromInt(int64(abs(pos.Quantity)))
			added := decimal.NewFromInt(int64(openQty))
			totalCost := pos.AveragePrice.Mul(existing).Add(price.Mul(added))
			pos.Quantity += dir * openQty
			pos.AveragePrice = totalCost.DivRound(existing.Add(added), 8)
			pos.MarginBlocked = pos.MarginBlocked.Add(openMargin)
		}
	}

	if pos != nil {
		if pos.Quantity == 0 {
			// Any residual margin on the closed position drains back.
			released = released.Add(pos.MarginBlocked)
			if err := e.store.DeletePosition(ctx, tx, order.UserID, order.Symbol, order.Exchange, order.Product); err != nil {
				return decimal.Zero, err
			}
		} else {
			pos.LastPrice = price
			signQty := decimal.NewFromInt(int64(pos.Quantity))
			pos.UnrealizedPnL = price.Sub(pos.AveragePrice).Mul(signQty)
			pos.PnLPercent = pnlPercent(pos.AveragePrice, price, pos.Quantity)
			if err := e.store.UpsertPosition(ctx, tx, pos); err != nil {
				return decimal.Zero, err
			}
		}
	}

	if order.Product == models.ProductCNC {
		// Config must be read through the transaction; a root-handle read
		// here would wait forever on the pool's only connection.
		days := e.runtime.In(e.store.ConfigIn(tx)).SettlementDays(ctx)
		if err := e.applyDelivery(ctx, tx, order, price, openQty, days, now); err != nil {
			return decimal.Zero, err
		}
	}

	funds, err := e.store.GetFunds(ctx, tx, order.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	funds.AvailableBalance = funds.AvailableBalance.Add(released).Add(realized)
	funds.UsedMargin = funds.UsedMargin.Sub(released)
	funds.RealizedPnL = funds.RealizedPnL.Add(realized)
	funds.TotalPnL = funds.RealizedPnL.Add(funds.UnrealizedPnL)
	if err := e.store.UpdateFunds(ctx, tx, funds); err != nil {
		return decimal.Zero, err
	}

	order.MarginFreed = true
	return realized, nil
}

// applyDelivery keeps the holdings table in step with CNC fills: buys
// schedule a holding at T+settlement, sells reduce scheduled or settled
// delivery.
func (e *Engine) applyDelivery(ctx context.Context, tx *sql.Tx, order *models.Order, price decimal.Decimal, openQty, settlementDays int, now time.Time) error {
	holding, err := e.store.GetHolding(ctx, tx, order.UserID, order.Symbol, order.Exchange)
	if err != nil {
		return err
	}

	if order.Side == models.OrderSideBuy && openQty > 0 {
		settleAt := SettlementDate(now, settlementDays)
		if holding == nil {
			holding = &models.Holding{
				UserID:         order.UserID,
				Symbol:         order.Symbol,
				Exchange:       order.Exchange,
				Quantity:       openQty,
				AveragePrice:   price,
				SettlementDate: settleAt,
			}
		} else {
			existing := decimal.NewFromInt(int64(holding.Quantity))
			added := decimal.NewFromInt(int64(openQty))
			totalCost := holding.AveragePrice.Mul(existing).Add(price.Mul(added))
			holding.Quantity += openQty
			holding.AveragePrice = totalCost.DivRound(existing.Add(added), 8)
			holding.SettlementDate = settleAt
			holding.Settled = false
		}
		return e.store.SaveHolding(ctx, tx, holding)
	}

	if order.Side == models.OrderSideSell && holding != nil {
		sold := min(order.Quantity, holding.Quantity)
		if sold == 0 {
			return nil
		}
		holding.Quantity -= sold
		if holding.Quantity == 0 {
			return e.store.DeleteHolding(ctx, tx, order.UserID, order.Symbol, order.Exchange)
		}
		return e.store.SaveHolding(ctx, tx, holding)
	}

	return nil
}

// SellFromHoldings settles a CNC sell against settled delivery when the
// user has no open position: realizes P&L against the holding's average
// price and releases the capital it held.
func (e *Engine) SellFromHoldings(ctx context.Context, tx *sql.Tx, order *models.Order, price decimal.Decimal) (decimal.Decimal, error) {
	holding, err := e.store.GetHolding(ctx, tx, order.UserID, order.Symbol, order.Exchange)
	if err != nil {
		return decimal.Zero, err
	}
	if holding == nil || !holding.Settled || holding.Quantity < order.Quantity {
		return decimal.Zero, nil
	}

	sold := decimal.NewFromInt(int64(order.Quantity))
	realized := price.Sub(holding.AveragePrice).Mul(sold)
	released := holding.AveragePrice.Mul(sold)

	holding.Quantity -= order.Quantity
	if holding.Quantity == 0 {
		if err := e.store.DeleteHolding(ctx, tx, order.UserID, order.Symbol, order.Exchange); err != nil {
			return decimal.Zero, err
		}
	} else if err := e.store.SaveHolding(ctx, tx, holding); err != nil {
		return decimal.Zero, err
	}

	funds, err := e.store.GetFunds(ctx, tx, order.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	// Release the order's own margin too; a sell against delivery holds
	// no new exposure.
	orderMargin := order.MarginBlocked
	if order.MarginFreed {
		orderMargin = decimal.Zero
	}
	funds.AvailableBalance = funds.AvailableBalance.Add(released).Add(orderMargin).Add(realized)
	funds.UsedMargin = funds.UsedMargin.Sub(released).Sub(orderMargin)
	funds.RealizedPnL = funds.RealizedPnL.Add(realized)
	funds.TotalPnL = funds.RealizedPnL.Add(funds.UnrealizedPnL)
	if err := e.store.UpdateFunds(ctx, tx, funds); err != nil {
		return decimal.Zero, err
	}

	order.MarginFreed = true
	return realized, nil
}

// HasSellableHolding reports whether a settled holding can absorb a CNC
// sell of the order's quantity.
func (e *Engine) HasSellableHolding(ctx context.Context, q store.Querier, order *models.Order) (bool, error) {
	holding, err := e.store.GetHolding(ctx, q, order.UserID, order.Symbol, order.Exchange)
	if err != nil {
		return false, err
	}
	return holding != nil && holding.Settled && holding.Quantity >= order.Quantity, nil
}

// RefreshPosition recomputes one position's unrealized P&L against the
// current price, in its own row-scoped transaction.
func (e *Engine) RefreshPosition(ctx context.Context, p *models.Position, price decimal.Decimal) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := e.store.GetPosition(ctx, tx, p.UserID, p.Symbol, p.Exchange, p.Product)
		if err != nil {
			return err
		}
		if current == nil || current.Quantity == 0 {
			// Closed since the scan; nothing to mark.
			return nil
		}
		signQty := decimal.NewFromInt(int64(current.Quantity))
		current.LastPrice = price
		current.UnrealizedPnL = price.Sub(current.AveragePrice).Mul(signQty)
		current.PnLPercent = pnlPercent(current.AveragePrice, price, current.Quantity)
		return e.store.UpsertPosition(ctx, tx, current)
	})
}

// AggregateUserPnL folds a user's position P&L into the funds row.
func (e *Engine) AggregateUserPnL(ctx context.Context, userID string) error {
	positions, err := e.store.ListPositions(ctx, userID)
	if err != nil {
		return err
	}
	unrealized := decimal.Zero
	for _, p := range positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		funds, err := e.store.GetFunds(ctx, tx, userID)
		if err != nil {
			return err
		}
		funds.UnrealizedPnL = unrealized
		funds.TotalPnL = funds.RealizedPnL.Add(unrealized)
		return e.store.UpdateFunds(ctx, tx, funds)
	})
}

// SettlementDate returns the settlement date a fill executed now settles
// on, skipping weekends.
func SettlementDate(tradeDate time.Time, days int) time.Time {
	settlement := tradeDate
	for i := 0; i < days; i++ {
		settlement = settlement.AddDate(0, 0, 1)
		for settlement.Weekday() == time.Saturday || settlement.Weekday() == time.Sunday {
			settlement = settlement.AddDate(0, 0, 1)
		}
	}
	return time.Date(settlement.Year(), settlement.Month(), settlement.Day(), 0, 0, 0, 0, settlement.Location())
}

func pnlPercent(avg, price decimal.Decimal, qty int) decimal.Decimal {
	if avg.IsZero() {
		return decimal.Zero
	}
	pct := price.Sub(avg).DivRound(avg, 8).Mul(decimal.NewFromInt(100))
	if qty < 0 {
		pct = pct.Neg()
	}
	return pct
}

func sign(n int) int {
	if n < 0 {
		return -1
	}
	if n > 0 {
		return 1
	}
	return 0
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
