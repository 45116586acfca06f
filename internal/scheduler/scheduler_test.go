package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sandbox-exchange/internal/accounting"
	"sandbox-exchange/internal/config"
	"sandbox-exchange/internal/margin"
	"sandbox-exchange/internal/matching"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/oracle"
	"sandbox-exchange/internal/store"
)

type fixture struct {
	sched    *Scheduler
	store    *store.SQLiteStore
	matching *matching.Engine
	oracle   *oracle.StaticOracle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	runtime := config.NewRuntime(s)
	engineCfg := config.Default().Engine
	engineCfg.StartingCapital = "1000000"
	require.NoError(t, runtime.Seed(ctx, engineCfg))

	o := oracle.NewStaticOracle()
	marg := margin.NewEngine(s, runtime)
	acct := accounting.NewEngine(s, runtime)
	match := matching.NewEngine(s, marg, acct, o, runtime, zerolog.Nop())
	sched := New(s, match, acct, o, runtime, zerolog.Nop())
	return &fixture{sched: sched, store: s, matching: match, oracle: o}
}

// openMISPosition submits and fills an intraday buy.
func (f *fixture) openMISPosition(t *testing.T, qty int, price int64) {
	t.Helper()
	ctx := context.Background()
	f.oracle.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(price))
	_, err := f.matching.Submit(ctx, matching.OrderRequest{
		UserID:   "alice",
		Symbol:   "RELIANCE",
		Exchange: models.NSE,
		Side:     models.OrderSideBuy,
		Quantity: qty,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductMIS,
	})
	require.NoError(t, err)
	filled, err := f.matching.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)
}

func TestSquareOffClosesMISPositionsOncePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Equity square-off time already passed for any wall clock.
	require.NoError(t, f.store.SetConfigValue(ctx, config.SquareOffKey(models.SegmentEquity), "00:00"))

	f.openMISPosition(t, 100, 100)
	f.oracle.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(110))

	require.NoError(t, f.sched.RunSquareOffs(ctx, time.Now()))

	pos, err := f.store.GetPosition(ctx, f.store.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Nil(t, pos, "MIS position must be closed")

	trades, err := f.store.ListTrades(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, models.OrderSideSell, trades[0].Side)
	require.True(t, trades[0].Price.Equal(decimal.NewFromInt(110)))

	funds, err := f.store.GetFunds(ctx, f.store.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.UsedMargin.IsZero())
	require.True(t, funds.RealizedPnL.Equal(decimal.NewFromInt(1000)))

	// A second sweep the same day is a no-op.
	require.NoError(t, f.sched.RunSquareOffs(ctx, time.Now()))
	trades, err = f.store.ListTrades(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
}

func TestSquareOffBeforeCutoffDoesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetConfigValue(ctx, config.SquareOffKey(models.SegmentEquity), "23:59"))
	// Other segments have no positions; park their cutoffs too.
	for _, seg := range []models.Segment{models.SegmentCurrency, models.SegmentCommodity, models.SegmentAgri} {
		require.NoError(t, f.store.SetConfigValue(ctx, config.SquareOffKey(seg), "23:59"))
	}

	f.openMISPosition(t, 100, 100)
	require.NoError(t, f.sched.RunSquareOffs(ctx, time.Now()))

	pos, err := f.store.GetPosition(ctx, f.store.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos, "position must survive until the cutoff")
}

func TestSquareOffRetriesWhenPriceMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetConfigValue(ctx, config.SquareOffKey(models.SegmentEquity), "00:00"))

	f.openMISPosition(t, 100, 100)
	// Drop the price: the sweep cannot close the position and must not
	// write the watermark.
	f.sched.oracle = oracle.NewStaticOracle()
	require.NoError(t, f.sched.RunSquareOffs(ctx, time.Now()))

	pos, err := f.store.GetPosition(ctx, f.store.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.NotNil(t, pos)

	// Price returns; the next sweep closes it.
	f.sched.oracle = f.oracle
	require.NoError(t, f.sched.RunSquareOffs(ctx, time.Now()))
	pos, err = f.store.GetPosition(ctx, f.store.DB(), "alice", "RELIANCE", models.NSE, models.ProductMIS)
	require.NoError(t, err)
	require.Nil(t, pos)
}

func TestWeeklyResetRestoresCapitalOncePerOccurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.store.SetConfigValue(ctx, config.KeyResetDay, strings.ToLower(now.Weekday().String())))
	require.NoError(t, f.store.SetConfigValue(ctx, config.KeyResetTime, "00:00"))

	f.openMISPosition(t, 100, 100)

	// Pretend the last reset was last week.
	funds, err := f.store.GetFunds(ctx, f.store.DB(), "alice")
	require.NoError(t, err)
	funds.LastReset = now.AddDate(0, 0, -8).UTC()
	require.NoError(t, f.store.UpdateFunds(ctx, f.store.DB(), funds))

	require.NoError(t, f.sched.RunWeeklyReset(ctx, now))

	funds, err = f.store.GetFunds(ctx, f.store.DB(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, funds.ResetCount)
	require.True(t, funds.AvailableBalance.Equal(decimal.NewFromInt(1000000)))
	require.True(t, funds.UsedMargin.IsZero())
	require.True(t, funds.RealizedPnL.IsZero())

	positions, err := f.store.ListPositions(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, positions)

	// Running again within the same occurrence changes nothing.
	require.NoError(t, f.sched.RunWeeklyReset(ctx, now))
	funds, err = f.store.GetFunds(ctx, f.store.DB(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, funds.ResetCount)
}

func TestWeeklyResetCancelsOpenOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.store.SetConfigValue(ctx, config.KeyResetDay, strings.ToLower(now.Weekday().String())))
	require.NoError(t, f.store.SetConfigValue(ctx, config.KeyResetTime, "00:00"))

	f.oracle.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))
	order, err := f.matching.Submit(ctx, matching.OrderRequest{
		UserID:   "alice",
		Symbol:   "RELIANCE",
		Exchange: models.NSE,
		Side:     models.OrderSideBuy,
		Quantity: 10,
		Price:    decimal.NewFromInt(90),
		Type:     models.OrderTypeLimit,
		Product:  models.ProductMIS,
	})
	require.NoError(t, err)

	funds, err := f.store.GetFunds(ctx, f.store.DB(), "alice")
	require.NoError(t, err)
	funds.LastReset = now.AddDate(0, 0, -8).UTC()
	require.NoError(t, f.store.UpdateFunds(ctx, f.store.DB(), funds))

	require.NoError(t, f.sched.RunWeeklyReset(ctx, now))

	got, err := f.store.GetOrder(ctx, f.store.DB(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, got.Status)
}

func TestSettlementConvertsPositionToHolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Fill a CNC buy, then pull its settlement date into the past.
	f.oracle.SetPrice("TCS", models.NSE, decimal.NewFromInt(3500))
	_, err := f.matching.Submit(ctx, matching.OrderRequest{
		UserID:   "alice",
		Symbol:   "TCS",
		Exchange: models.NSE,
		Side:     models.OrderSideBuy,
		Quantity: 10,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductCNC,
	})
	require.NoError(t, err)
	filled, err := f.matching.CheckOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, filled)

	holding, err := f.store.GetHolding(ctx, f.store.DB(), "alice", "TCS", models.NSE)
	require.NoError(t, err)
	require.NotNil(t, holding)
	holding.SettlementDate = time.Now().UTC().AddDate(0, 0, -1)
	require.NoError(t, f.store.SaveHolding(ctx, f.store.DB(), holding))

	n, err := f.sched.RunSettlement(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	holding, err = f.store.GetHolding(ctx, f.store.DB(), "alice", "TCS", models.NSE)
	require.NoError(t, err)
	require.True(t, holding.Settled)

	pos, err := f.store.GetPosition(ctx, f.store.DB(), "alice", "TCS", models.NSE, models.ProductCNC)
	require.NoError(t, err)
	require.Nil(t, pos, "settled delivery leaves the position book")

	// The sweep is idempotent.
	n, err = f.sched.RunSettlement(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRunMTMUpdatesFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.openMISPosition(t, 100, 100)
	f.oracle.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(95))

	n, err := f.sched.RunMTM(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	funds, err := f.store.GetFunds(ctx, f.store.DB(), "alice")
	require.NoError(t, err)
	require.True(t, funds.UnrealizedPnL.Equal(decimal.NewFromInt(-500)))
	require.True(t, funds.TotalPnL.Equal(decimal.NewFromInt(-500)))
	// MTM never moves cash.
	require.True(t, funds.AvailableBalance.Add(funds.UsedMargin).Equal(funds.TotalCapital))
}

func TestLastOccurrence(t *testing.T) {
	loc := time.UTC
	// Wednesday 2026-01-07 10:00.
	now := time.Date(2026, 1, 7, 10, 0, 0, 0, loc)

	got := lastOccurrence(now, time.Sunday, 0, 0)
	require.Equal(t, time.Date(2026, 1, 4, 0, 0, 0, 0, loc), got)

	// Same day, time already passed.
	got = lastOccurrence(now, time.Wednesday, 9, 30)
	require.Equal(t, time.Date(2026, 1, 7, 9, 30, 0, 0, loc), got)

	// Same day, time still ahead: previous week.
	got = lastOccurrence(now, time.Wednesday, 11, 0)
	require.Equal(t, time.Date(2025, 12, 31, 11, 0, 0, 0, loc), got)
}
