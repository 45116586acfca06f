package accounting

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sandbox-exchange/internal/config"
	"sandbox-exchange/internal/margin"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *margin.Engine, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	runtime := config.NewRuntime(s)
	return NewEngine(s, runtime), margin.NewEngine(s, runtime), s
}

// fill blocks the order's margin and applies the fill the way the
// matching engine does: both inside one transaction.
func fill(t *testing.T, s *store.SQLiteStore, a *Engine, m *margin.Engine, order *models.Order, price decimal.Decimal) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	var realized decimal.Decimal
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if !order.MarginBlocked.IsZero() {
			if err := m.Block(ctx, tx, order.UserID, order.MarginBlocked); err != nil {
				return err
			}
		}
		var err error
		realized, err = a.ApplyFill(ctx, tx, order, price, time.Now().UTC())
		return err
	})
	require.NoError(t, err)
	return realized
}

func misOrder(side models.OrderSide, qty int, marginBlocked int64) *models.Order {
	return &models.Order{
		ID:            "ord-" + string(side),
		UserID:        "alice",
		Symbol:        "RELIANCE",
		Exchange:      models.NSE,
		Side:          side,
		Quantity:      qty,
		Type:          models.OrderTypeMarket,
		Product:       models.ProductMIS,
		Status:        models.OrderStatusOpen,
		PendingQty:    qty,
		MarginBlocked: decimal.NewFromInt(marginBlocked),
	}
}

func requireLedgerBalanced(t *testing.T, s *store.SQLiteStore, userID string) {
	t.Helper()
	funds, err := s.GetFunds(context.Background(), s.DB(), userID)
	require.NoError(t, err)
	left := funds.AvailableBalance.Add(funds.UsedMargin)
	right := funds.TotalCapital.Add(funds.RealizedPnL)
	require.True(t, left.Equal(right),
		"ledger out of balance: available %s + used %s != capital %s + realized %s",
		funds.AvailableBalance, funds.UsedMargin, funds.TotalCapital, funds.RealizedPnL)
}

func TestApplyFillOpensPosition(t *testing.T) {
	a, m, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(1000000)))

	realized := fill(t, s, a, m, misOrder(models.OrderSideBuy, 100, 2000), decimal.NewFromInt(100))
	require.True(t, realized.IsZero())

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Equal(t, 100, pos.Quantity)
	require.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(100)))
	require.True(t, pos.MarginBlocked.Equal(decimal.NewFromInt(2000)))

	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.AvailableBalance.Equal(decimal.NewFromInt(998000)))
	require.True(t, funds.UsedMargin.Equal(decimal.NewFromInt(2000)))
	requireLedgerBalanced(t, s, "alice")
}

func TestApplyFillAveragesSameDirectionAdds(t *testing.T) {
	a, m, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(1000000)))

	fill(t, s, a, m, misOrder(models.OrderSideBuy, 100, 2000), decimal.NewFromInt(100))
	fill(t, s, a, m, misOrder(models.OrderSideBuy, 50, 1300), decimal.NewFromInt(130))

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Equal(t, 150, pos.Quantity)
	// (100*100 + 50*130) / 150 = 110
	require.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(110)), "avg %s", pos.AveragePrice)
	require.True(t, pos.MarginBlocked.Equal(decimal.NewFromInt(3300)))
	requireLedgerBalanced(t, s, "alice")
}

func TestApplyFillRealizesOnReduction(t *testing.T) {
	a, m, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(1000000)))

	fill(t, s, a, m, misOrder(models.OrderSideBuy, 100, 2000), decimal.NewFromInt(100))
	fill(t, s, a, m, misOrder(models.OrderSideBuy, 50, 1300), decimal.NewFromInt(130))

	realized := fill(t, s, a, m, misOrder(models.OrderSideSell, 60, 1440), decimal.NewFromInt(120))
	// (120 - 110) * 60
	require.True(t, realized.Equal(decimal.NewFromInt(600)), "realized %s", realized)

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Equal(t, 90, pos.Quantity)
	// Average price never changes on a reduction.
	require.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(110)))
	// 3300 released pro rata: 3300 * 60/150 leaves 1980.
	require.True(t, pos.MarginBlocked.Equal(decimal.NewFromInt(1980)), "margin %s", pos.MarginBlocked)

	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.RealizedPnL.Equal(decimal.NewFromInt(600)))
	require.True(t, funds.UsedMargin.Equal(decimal.NewFromInt(1980)))
	requireLedgerBalanced(t, s, "alice")
}

func TestApplyFillFullCloseDeletesPosition(t *testing.T) {
	a, m, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(1000000)))

	fill(t, s, a, m, misOrder(models.OrderSideBuy, 100, 2000), decimal.NewFromInt(100))
	realized := fill(t, s, a, m, misOrder(models.OrderSideSell, 100, 1800), decimal.NewFromInt(90))
	require.True(t, realized.Equal(decimal.NewFromInt(-1000)))

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Nil(t, pos)

	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.UsedMargin.IsZero())
	require.True(t, funds.RealizedPnL.Equal(decimal.NewFromInt(-1000)))
	require.True(t, funds.AvailableBalance.Equal(decimal.NewFromInt(999000)))
	requireLedgerBalanced(t, s, "alice")
}

func TestApplyFillReversalOpensOppositeAtFillPrice(t *testing.T) {
	a, m, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(1000000)))

	fill(t, s, a, m, misOrder(models.OrderSideBuy, 90, 1980), decimal.NewFromInt(110))
	realized := fill(t, s, a, m, misOrder(models.OrderSideSell, 150, 3000), decimal.NewFromInt(100))
	// Reduces 90 at a 10 loss, then opens 60 short at 100.
	require.True(t, realized.Equal(decimal.NewFromInt(-900)), "realized %s", realized)

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Equal(t, -60, pos.Quantity)
	require.True(t, pos.AveragePrice.Equal(decimal.NewFromInt(100)))
	// 3000 * 60/150 stays with the new short leg.
	require.True(t, pos.MarginBlocked.Equal(decimal.NewFromInt(1200)), "margin %s", pos.MarginBlocked)
	requireLedgerBalanced(t, s, "alice")
}

func TestCNCBuySchedulesHolding(t *testing.T) {
	a, m, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(1000000)))

	order := &models.Order{
		ID: "ord-cnc", UserID: "alice", Symbol: "TCS", Exchange: models.NSE,
		Side: models.OrderSideBuy, Quantity: 10, Type: models.OrderTypeMarket,
		Product: models.ProductCNC, Status: models.OrderStatusOpen,
		PendingQty: 10, MarginBlocked: decimal.NewFromInt(35000),
	}
	fill(t, s, a, m, order, decimal.NewFromInt(3500))

	holding, err := s.GetHolding(ctx, s.DB(), "alice", "TCS", models.NSE)
	require.NoError(t, err)
	require.NotNil(t, holding)
	require.Equal(t, 10, holding.Quantity)
	require.False(t, holding.Settled)
	require.True(t, holding.SettlementDate.After(time.Now().UTC()))
	requireLedgerBalanced(t, s, "alice")
}

func TestSellFromHoldingsRealizesAgainstHoldingAverage(t *testing.T) {
	a, _, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(100000)))

	// A settled holding bought at 3500, with its capital still counted as
	// used margin.
	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	funds.AvailableBalance = decimal.NewFromInt(65000)
	funds.UsedMargin = decimal.NewFromInt(35000)
	require.NoError(t, s.UpdateFunds(ctx, s.DB(), funds))
	require.NoError(t, s.SaveHolding(ctx, s.DB(), &models.Holding{
		UserID: "alice", Symbol: "TCS", Exchange: models.NSE,
		Quantity: 10, AveragePrice: decimal.NewFromInt(3500),
		SettlementDate: time.Now().UTC().AddDate(0, 0, -1), Settled: true,
	}))

	order := &models.Order{
		ID: "ord-sell", UserID: "alice", Symbol: "TCS", Exchange: models.NSE,
		Side: models.OrderSideSell, Quantity: 10, Product: models.ProductCNC,
		Status: models.OrderStatusOpen, MarginFreed: true,
	}
	var realized decimal.Decimal
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := a.HasSellableHolding(ctx, tx, order)
		require.NoError(t, err)
		require.True(t, ok)
		realized, err = a.SellFromHoldings(ctx, tx, order, decimal.NewFromInt(3600))
		return err
	})
	require.NoError(t, err)
	require.True(t, realized.Equal(decimal.NewFromInt(1000)))

	holding, err := s.GetHolding(ctx, s.DB(), "alice", "TCS", models.NSE)
	require.NoError(t, err)
	require.Nil(t, holding)

	funds, err = s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.AvailableBalance.Equal(decimal.NewFromInt(101000)))
	require.True(t, funds.UsedMargin.IsZero())
	requireLedgerBalanced(t, s, "alice")
}

func TestSettlementDateSkipsWeekends(t *testing.T) {
	// Friday 2026-01-02 + 1 trading day lands on Monday.
	friday := time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC)
	got := SettlementDate(friday, 1)
	require.Equal(t, time.Monday, got.Weekday())
	require.Equal(t, 5, got.Day())

	// Mid-week stays next-day.
	tuesday := time.Date(2026, 1, 6, 11, 0, 0, 0, time.UTC)
	got = SettlementDate(tuesday, 1)
	require.Equal(t, time.Wednesday, got.Weekday())
}

func TestMarkToMarketRefreshAndAggregate(t *testing.T) {
	a, m, s := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureFunds(ctx, "alice", decimal.NewFromInt(1000000)))

	fill(t, s, a, m, misOrder(models.OrderSideBuy, 100, 2000), decimal.NewFromInt(100))

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NoError(t, a.RefreshPosition(ctx, pos, decimal.NewFromInt(110)))
	require.NoError(t, a.AggregateUserPnL(ctx, "alice"))

	pos, err = s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(1000)))
	require.True(t, pos.LastPrice.Equal(decimal.NewFromInt(110)))

	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.UnrealizedPnL.Equal(decimal.NewFromInt(1000)))
	require.True(t, funds.TotalPnL.Equal(decimal.NewFromInt(1000)))
	// Unrealized P&L never moves the cash ledger.
	requireLedgerBalanced(t, s, "alice")
}
