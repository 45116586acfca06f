// Package sandbox wires the virtual exchange together: ledger store,
// price oracle, margin, matching, accounting, scheduler and the durable
// submission queue behind one facade.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sandbox-exchange/internal/accounting"
	"sandbox-exchange/internal/auth"
	"sandbox-exchange/internal/config"
	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/margin"
	"sandbox-exchange/internal/matching"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/oracle"
	"sandbox-exchange/internal/queue"
	"sandbox-exchange/internal/scheduler"
	"sandbox-exchange/internal/store"
)

// SubmitEndpoint is the queue endpoint order submissions travel on.
const SubmitEndpoint = "orders.submit"

// SubmitPayload is the durable wire form of an order submission.
type SubmitPayload struct {
	UserID       string          `json:"user_id"`
	Strategy     string          `json:"strategy,omitempty"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Side         string          `json:"side"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Type         string          `json:"order_type"`
	Product      string          `json:"product"`
}

// Engine is the assembled sandbox exchange.
type Engine struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	runtime  *config.Runtime
	oracle   oracle.PriceOracle
	static   *oracle.StaticOracle // non-nil when provider is static
	kite     *oracle.KiteOracle   // non-nil when provider is kite
	verifier auth.Verifier
	margin   *margin.Engine
	acct     *accounting.Engine
	matching *matching.Engine
	sched    *scheduler.Scheduler
	worker   *queue.Worker
	logger   zerolog.Logger
}

// New assembles an engine from config. The ledger is opened, its schema
// applied, and runtime parameters seeded; background loops start in Run.
func New(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	runtime := config.NewRuntime(s)
	if err := runtime.Seed(context.Background(), cfg.Engine); err != nil {
		s.Close()
		return nil, fmt.Errorf("seeding runtime config: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		store:   s,
		runtime: runtime,
		logger:  logger,
	}

	switch cfg.Oracle.Provider {
	case "kite":
		e.kite = oracle.NewKiteOracle(oracle.KiteOracleConfig{
			APIKey:      cfg.Oracle.APIKey,
			AccessToken: cfg.Oracle.AccessToken,
		})
		e.oracle = e.kite
	default:
		e.static = oracle.NewStaticOracle()
		e.oracle = e.static
	}

	e.verifier = auth.NewCachedVerifier(auth.NewStaticVerifier(cfg.Auth.Keys))
	e.margin = margin.NewEngine(s, runtime)
	e.acct = accounting.NewEngine(s, runtime)
	e.matching = matching.NewEngine(s, e.margin, e.acct, e.oracle, runtime, logger)
	e.sched = scheduler.New(s, e.matching, e.acct, e.oracle, runtime, logger)
	e.worker = queue.NewWorker(s, runtime, SubmitEndpoint, queue.DispatcherFunc(e.dispatchSubmission), logger)

	return e, nil
}

// dispatchSubmission executes one queued submission. Redelivery is
// idempotent: the order id is the queue entry id, so an entry whose
// order already exists acknowledges without resubmitting. Trading
// rejections acknowledge too; only infrastructure failures retry.
func (e *Engine) dispatchSubmission(ctx context.Context, entry *models.QueueEntry) error {
	if _, err := e.store.GetOrder(ctx, e.store.DB(), entry.ID); err == nil {
		return nil
	} else if !sberrors.Is(err, sberrors.ErrOrderNotFound) {
		return err
	}

	var p SubmitPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		return fmt.Errorf("decoding submission: %w", err)
	}

	order, err := e.matching.Submit(ctx, matching.OrderRequest{
		ID:           entry.ID,
		UserID:       p.UserID,
		Strategy:     p.Strategy,
		Symbol:       p.Symbol,
		Exchange:     models.Exchange(p.Exchange),
		Side:         models.OrderSide(p.Side),
		Quantity:     p.Quantity,
		Price:        p.Price,
		TriggerPrice: p.TriggerPrice,
		Type:         models.OrderType(p.Type),
		Product:      models.ProductType(p.Product),
	})
	if err != nil {
		if order != nil {
			// Persisted as rejected; delivery itself succeeded.
			e.logger.Info().
				Str("order_id", order.ID).
				Str("reason", order.Reason).
				Msg("Queued submission rejected")
			return nil
		}
		return err
	}
	return nil
}

// Run recovers the queue, starts the worker and scheduler loops, and
// blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.kite != nil {
		for _, ex := range []models.Exchange{models.NSE, models.BSE, models.NFO, models.CDS, models.MCX, models.NCDEX} {
			if err := e.kite.LoadInstruments(ctx, ex); err != nil {
				e.logger.Warn().Err(err).Str("exchange", string(ex)).Msg("Instrument load failed")
			}
		}
		if len(e.cfg.Oracle.Instruments) > 0 {
			stream := oracle.NewTickStream(oracle.TickStreamConfig{
				APIKey:      e.cfg.Oracle.APIKey,
				AccessToken: e.cfg.Oracle.AccessToken,
				Instruments: e.cfg.Oracle.Instruments,
			}, e.kite, e.logger)
			go stream.Serve()
			defer stream.Stop()
		}
	}

	if _, err := e.worker.Recover(ctx); err != nil {
		return fmt.Errorf("recovering queue: %w", err)
	}
	go e.worker.Run(ctx)
	e.sched.Run(ctx)
	return nil
}

// Close releases the ledger.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Authenticate resolves an API key to a user id.
func (e *Engine) Authenticate(ctx context.Context, apiKey string) (string, error) {
	return e.verifier.VerifyAPIKey(ctx, apiKey)
}

// SubmitOrder authenticates and enqueues a submission. Returns the queue
// entry id, which is also the id the resulting order will carry.
func (e *Engine) SubmitOrder(ctx context.Context, apiKey string, p SubmitPayload) (string, error) {
	userID, err := e.verifier.VerifyAPIKey(ctx, apiKey)
	if err != nil {
		return "", err
	}
	p.UserID = userID

	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding submission: %w", err)
	}
	entry, err := e.worker.Enqueue(ctx, payload)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// CancelQueued withdraws a submission that has not been dispatched yet.
func (e *Engine) CancelQueued(ctx context.Context, entryID string) error {
	return e.worker.Cancel(ctx, entryID)
}

// CancelOrder authenticates and cancels an open order.
func (e *Engine) CancelOrder(ctx context.Context, apiKey, orderID string) (*models.Order, error) {
	userID, err := e.verifier.VerifyAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return e.matching.Cancel(ctx, orderID, userID)
}

// OrderStatus returns one order by id.
func (e *Engine) OrderStatus(ctx context.Context, orderID string) (*models.Order, error) {
	return e.store.GetOrder(ctx, e.store.DB(), orderID)
}

// Orders returns a user's orders, newest first.
func (e *Engine) Orders(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID, limit)
}

// Positions returns a user's open positions.
func (e *Engine) Positions(ctx context.Context, userID string) ([]models.Position, error) {
	return e.store.ListPositions(ctx, userID)
}

// Holdings returns a user's holdings.
func (e *Engine) Holdings(ctx context.Context, userID string) ([]models.Holding, error) {
	return e.store.ListHoldings(ctx, userID)
}

// Funds returns a user's fund balances, creating the row at starting
// capital on first sight.
func (e *Engine) Funds(ctx context.Context, userID string) (*models.Funds, error) {
	if err := e.store.EnsureFunds(ctx, userID, e.runtime.StartingCapital(ctx)); err != nil {
		return nil, err
	}
	return e.store.GetFunds(ctx, e.store.DB(), userID)
}

// Trades returns a user's fills, newest first.
func (e *Engine) Trades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	return e.store.ListTrades(ctx, userID, limit)
}

// DeadLetters returns queue entries that exhausted their retries.
func (e *Engine) DeadLetters(ctx context.Context) ([]models.QueueEntry, error) {
	return e.store.ListDeadLetters(ctx)
}

// ConfigValue reads one runtime parameter from the ledger.
func (e *Engine) ConfigValue(ctx context.Context, key string) (string, error) {
	return e.store.GetConfigValue(ctx, key)
}

// SetConfigValue writes one runtime parameter; engine loops pick the new
// value up on their next cycle without a restart.
func (e *Engine) SetConfigValue(ctx context.Context, key, value string) error {
	return e.store.SetConfigValue(ctx, key, value)
}

// AllConfig returns every runtime parameter.
func (e *Engine) AllConfig(ctx context.Context) (map[string]string, error) {
	return e.store.AllConfig(ctx)
}

// SetPrice seeds the static oracle, for offline runs and tests. No-op
// when a live oracle is configured.
func (e *Engine) SetPrice(symbol string, exchange models.Exchange, price decimal.Decimal) {
	if e.static != nil {
		e.static.SetPrice(symbol, exchange, price)
	}
}
