package matching

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sandbox-exchange/internal/accounting"
	"sandbox-exchange/internal/config"
	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/margin"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/oracle"
	"sandbox-exchange/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *oracle.StaticOracle) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SetConfigValue(ctx, config.KeyStartingCapital, "1000000"))

	runtime := config.NewRuntime(s)
	o := oracle.NewStaticOracle()
	m := margin.NewEngine(s, runtime)
	a := accounting.NewEngine(s, runtime)
	e := NewEngine(s, m, a, o, runtime, zerolog.Nop())
	return e, s, o
}

func buyRequest(qty int) OrderRequest {
	return OrderRequest{
		UserID:   "alice",
		Symbol:   "RELIANCE",
		Exchange: models.NSE,
		Side:     models.OrderSideBuy,
		Quantity: qty,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductMIS,
	}
}

func TestSubmitRejectsInvalidOrder(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	req := buyRequest(0)
	order, err := e.Submit(ctx, req)
	require.ErrorIs(t, err, sberrors.ErrInvalidOrder)
	require.Equal(t, models.OrderStatusRejected, order.Status)
	require.NotEmpty(t, order.Reason)

	// Rejections are persisted and queryable.
	got, err := s.GetOrder(ctx, s.DB(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusRejected, got.Status)
}

func TestSubmitRejectsWithoutPrice(t *testing.T) {
	e, _, _ := newTestEngine(t)

	order, err := e.Submit(context.Background(), buyRequest(10))
	require.ErrorIs(t, err, sberrors.ErrPriceUnavailable)
	require.Equal(t, models.OrderStatusRejected, order.Status)
}

func TestSubmitBlocksMarginAtAcceptance(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	order, err := e.Submit(ctx, buyRequest(100))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusOpen, order.Status)
	// 100 * 100 at 5x intraday leverage.
	require.True(t, order.MarginBlocked.Equal(decimal.NewFromInt(2000)))

	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.AvailableBalance.Equal(decimal.NewFromInt(998000)))
	require.True(t, funds.UsedMargin.Equal(decimal.NewFromInt(2000)))
}

func TestSubmitRejectsInsufficientMargin(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, s.SetConfigValue(ctx, config.KeyStartingCapital, "1000"))
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	order, err := e.Submit(ctx, buyRequest(100))
	require.ErrorIs(t, err, sberrors.ErrInsufficientMargin)
	require.Equal(t, models.OrderStatusRejected, order.Status)
	require.Equal(t, "insufficient margin", order.Reason)

	// The failed block left the ledger untouched.
	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.AvailableBalance.Equal(decimal.NewFromInt(1000)))
	require.True(t, funds.UsedMargin.IsZero())
}

func TestMarketOrderFillsOnNextCheckAtSnapshotPrice(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	order, err := e.Submit(ctx, buyRequest(100))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusOpen, order.Status)

	// The price moves before the tick; the fill uses the tick's snapshot.
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(102))
	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)

	got, err := s.GetOrder(ctx, s.DB(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusComplete, got.Status)
	require.Equal(t, 100, got.FilledQty)
	require.Equal(t, 0, got.PendingQty)
	require.True(t, got.AveragePrice.Equal(decimal.NewFromInt(102)))

	trades, err := s.ListTrades(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.True(t, trades[0].Price.Equal(decimal.NewFromInt(102)))

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Equal(t, 100, pos.Quantity)
}

func TestLimitBuyFillsOnlyAtOrBelowLimit(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(110))

	req := buyRequest(10)
	req.Type = models.OrderTypeLimit
	req.Price = decimal.NewFromInt(105)
	order, err := e.Submit(ctx, req)
	require.NoError(t, err)

	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Zero(t, filled)

	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(104))
	filled, err = e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)

	got, err := s.GetOrder(ctx, s.DB(), order.ID)
	require.NoError(t, err)
	require.True(t, got.AveragePrice.LessThanOrEqual(decimal.NewFromInt(105)))
}

func TestLimitSellNeverFillsBelowLimit(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	req := buyRequest(10)
	req.Side = models.OrderSideSell
	req.Type = models.OrderTypeLimit
	req.Price = decimal.NewFromInt(105)
	order, err := e.Submit(ctx, req)
	require.NoError(t, err)

	for _, p := range []int64{100, 103, 104} {
		o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(p))
		filled, err := e.CheckOrders(ctx)
		require.NoError(t, err)
		require.Zero(t, filled, "must not fill at %d", p)
	}

	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(107))
	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)

	got, err := s.GetOrder(ctx, s.DB(), order.ID)
	require.NoError(t, err)
	require.True(t, got.AveragePrice.GreaterThanOrEqual(decimal.NewFromInt(105)))
}

func TestStopLossTriggerPersistsAcrossTicks(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	// Buy stop: triggers at 105, limit 104. The trigger tick's price is
	// above the limit, so the order arms but does not fill.
	req := buyRequest(10)
	req.Type = models.OrderTypeStopLoss
	req.TriggerPrice = decimal.NewFromInt(105)
	req.Price = decimal.NewFromInt(104)
	order, err := e.Submit(ctx, req)
	require.NoError(t, err)

	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(106))
	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Zero(t, filled)

	got, err := s.GetOrder(ctx, s.DB(), order.ID)
	require.NoError(t, err)
	require.True(t, got.Triggered, "trigger must persist")
	require.Equal(t, models.OrderStatusOpen, got.Status)

	// Back inside the limit: the armed order fills even though the price
	// no longer crosses the trigger.
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(103))
	filled, err = e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)
}

func TestStopLossMarketFillsOnTrigger(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	req := buyRequest(10)
	req.Side = models.OrderSideSell
	req.Type = models.OrderTypeStopLossM
	req.TriggerPrice = decimal.NewFromInt(95)
	order, err := e.Submit(ctx, req)
	require.NoError(t, err)

	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(97))
	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Zero(t, filled)

	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(94))
	filled, err = e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)

	got, err := s.GetOrder(ctx, s.DB(), order.ID)
	require.NoError(t, err)
	require.True(t, got.AveragePrice.Equal(decimal.NewFromInt(94)))
}

func TestCancelReleasesMarginOnce(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	req := buyRequest(100)
	req.Type = models.OrderTypeLimit
	req.Price = decimal.NewFromInt(90)
	order, err := e.Submit(ctx, req)
	require.NoError(t, err)

	cancelled, err := e.Cancel(ctx, order.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.AvailableBalance.Equal(decimal.NewFromInt(1000000)))
	require.True(t, funds.UsedMargin.IsZero())

	// Terminal orders cannot be cancelled again.
	_, err = e.Cancel(ctx, order.ID, "alice")
	require.ErrorIs(t, err, sberrors.ErrOrderNotOpen)
}

func TestCancelRequiresOwnership(t *testing.T) {
	e, _, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	req := buyRequest(10)
	req.Type = models.OrderTypeLimit
	req.Price = decimal.NewFromInt(90)
	order, err := e.Submit(ctx, req)
	require.NoError(t, err)

	_, err = e.Cancel(ctx, order.ID, "mallory")
	require.ErrorIs(t, err, sberrors.ErrOrderNotFound)
}

func TestFilledOrderProducesExactlyOneTrade(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	order, err := e.Submit(ctx, buyRequest(10))
	require.NoError(t, err)

	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)

	// A complete order is never filled again.
	filled, err = e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Zero(t, filled)
	require.ErrorIs(t, e.Fill(ctx, order, decimal.NewFromInt(100)), sberrors.ErrOrderNotOpen)

	n, err := s.CountTradesByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestClosePositionSquaresOffInOneTransaction(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	_, err := e.Submit(ctx, buyRequest(100))
	require.NoError(t, err)
	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)

	pos, err := s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos)

	order, err := e.ClosePosition(ctx, pos, "auto square-off", decimal.NewFromInt(110))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusComplete, order.Status)
	require.Equal(t, models.OrderSideSell, order.Side)

	pos, err = s.GetPosition(ctx, s.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Nil(t, pos)

	funds, err := s.GetFunds(ctx, s.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.UsedMargin.IsZero())
	require.True(t, funds.RealizedPnL.Equal(decimal.NewFromInt(1000)))

	open, err := s.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestFailedCloseRollsBackCompletely(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()

	// No funds row for this user, so settlement fails inside the close.
	pos := &models.Position{
		UserID:        "ghost",
		Symbol:        "RELIANCE",
		Exchange:      models.NSE,
		Product:       models.ProductMIS,
		Quantity:      10,
		AveragePrice:  decimal.NewFromInt(100),
		MarginBlocked: decimal.NewFromInt(200),
	}
	require.NoError(t, s.UpsertPosition(ctx, s.DB(), pos))

	_, err := e.ClosePosition(ctx, pos, "auto square-off", decimal.NewFromInt(110))
	require.Error(t, err)

	// The rolled-back order must not linger for the next tick to fill as
	// a second, unmargined close.
	open, err := s.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
	orders, err := s.ListOrdersByUser(ctx, "ghost", 10)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestCheckOrdersSkipsInstrumentsWithoutPrices(t *testing.T) {
	e, s, o := newTestEngine(t)
	ctx := context.Background()
	o.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	order, err := e.Submit(ctx, buyRequest(10))
	require.NoError(t, err)

	// Price disappears before the tick; the order stays open.
	o2 := oracle.NewStaticOracle()
	e.oracle = o2
	filled, err := e.CheckOrders(ctx)
	require.NoError(t, err)
	require.Zero(t, filled)

	got, err := s.GetOrder(ctx, s.DB(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusOpen, got.Status)
}
