package sandbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"sandbox-exchange/internal/config"
	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Auth.Keys = map[string]string{"key-alice": "alice"}
	cfg.Engine.StartingCapital = "1000000"

	e, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func marketBuy(qty int) SubmitPayload {
	return SubmitPayload{
		Symbol:   "RELIANCE",
		Exchange: "NSE",
		Side:     "BUY",
		Quantity: qty,
		Type:     "MARKET",
		Product:  "MIS",
	}
}

func TestSubmitOrderRequiresValidKey(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SubmitOrder(context.Background(), "wrong-key", marketBuy(10))
	require.ErrorIs(t, err, sberrors.ErrInvalidAPIKey)
}

func TestSubmitOrderFlowsThroughQueue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	id, err := e.SubmitOrder(ctx, "key-alice", marketBuy(100))
	require.NoError(t, err)

	// Not delivered yet: the order does not exist until the worker runs.
	_, err = e.OrderStatus(ctx, id)
	require.ErrorIs(t, err, sberrors.ErrOrderNotFound)

	sent, failed, err := e.worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Zero(t, failed)

	// The queue entry id became the order id.
	order, err := e.OrderStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alice", order.UserID)
	require.Equal(t, models.OrderStatusOpen, order.Status)

	funds, err := e.Funds(ctx, "alice")
	require.NoError(t, err)
	require.True(t, funds.UsedMargin.Equal(decimal.NewFromInt(2000)))
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	id, err := e.SubmitOrder(ctx, "key-alice", marketBuy(100))
	require.NoError(t, err)
	_, _, err = e.worker.Drain(ctx)
	require.NoError(t, err)

	// A crash after dispatch but before the ack redelivers the entry.
	entry, err := e.store.GetQueueEntry(ctx, id)
	require.NoError(t, err)
	require.NoError(t, e.dispatchSubmission(ctx, entry))

	orders, err := e.Orders(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, orders, 1, "redelivery must not duplicate the order")

	funds, err := e.Funds(ctx, "alice")
	require.NoError(t, err)
	require.True(t, funds.UsedMargin.Equal(decimal.NewFromInt(2000)), "margin must not double-block")
}

func TestRejectedSubmissionAcksWithoutRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	// Quantity 0 fails validation; the delivery still succeeds.
	id, err := e.SubmitOrder(ctx, "key-alice", marketBuy(0))
	require.NoError(t, err)

	sent, failed, err := e.worker.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Zero(t, failed)

	order, err := e.OrderStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusRejected, order.Status)

	dlq, err := e.DeadLetters(ctx)
	require.NoError(t, err)
	require.Empty(t, dlq)
}

func TestQueuedSubmissionCanBeWithdrawn(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.SetPrice("RELIANCE", models.NSE, decimal.NewFromInt(100))

	id, err := e.SubmitOrder(ctx, "key-alice", marketBuy(100))
	require.NoError(t, err)
	require.NoError(t, e.CancelQueued(ctx, id))

	sent, _, err := e.worker.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, sent)
}

func TestRuntimeConfigRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Seeded from the process config.
	value, err := e.ConfigValue(ctx, config.KeyStartingCapital)
	require.NoError(t, err)
	require.Equal(t, "1000000", value)

	require.NoError(t, e.SetConfigValue(ctx, config.KeyOrderCheckInterval, "1"))
	all, err := e.AllConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, "1", all[config.KeyOrderCheckInterval])
}
