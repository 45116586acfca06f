// Package matching implements the order state machine: synchronous
// validation and margin blocking at submission, and periodic evaluation
// of open orders against oracle prices.
package matching

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sandbox-exchange/internal/accounting"
	"sandbox-exchange/internal/config"
	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/logging"
	"sandbox-exchange/internal/margin"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/oracle"
	"sandbox-exchange/internal/store"
)

// Engine drives order acceptance and fills.
type Engine struct {
	store   *store.SQLiteStore
	margin  *margin.Engine
	acct    *accounting.Engine
	oracle  oracle.PriceOracle
	runtime *config.Runtime
	logger  zerolog.Logger
}

// NewEngine creates a matching engine.
func NewEngine(s *store.SQLiteStore, m *margin.Engine, a *accounting.Engine, o oracle.PriceOracle, r *config.Runtime, logger zerolog.Logger) *Engine {
	return &Engine{store: s, margin: m, acct: a, oracle: o, runtime: r, logger: logger}
}

// OrderRequest carries the fields a client supplies for a new order.
// ID is optional; when set it becomes the order id, which lets the
// delivery queue make redelivery idempotent.
type OrderRequest struct {
	ID           string
	UserID       string
	Strategy     string
	Symbol       string
	Exchange     models.Exchange
	Side         models.OrderSide
	Quantity     int
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Type         models.OrderType
	Product      models.ProductType
}

// Submit validates a request, blocks margin and persists the order, all
// before returning. Rejections are persisted with a stable reason so the
// order remains queryable; the margin block and the order insert commit
// in one transaction, so a failed block leaves no trace.
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (*models.Order, error) {
	now := time.Now().UTC()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	order := &models.Order{
		ID:           id,
		UserID:       req.UserID,
		Strategy:     req.Strategy,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Type:         req.Type,
		Product:      req.Product,
		Status:       models.OrderStatusOpen,
		PendingQty:   req.Quantity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := validate(req); err != nil {
		return e.reject(ctx, order, err.Error(), err)
	}

	var last decimal.Decimal
	if order.Price.LessThanOrEqual(decimal.Zero) {
		quote, err := e.oracle.LastPrice(ctx, order.Symbol, order.Exchange)
		if err != nil {
			return e.reject(ctx, order, sberrors.ErrPriceUnavailable.Error(), err)
		}
		last = quote.Price
	}
	required := e.margin.RequiredMargin(ctx, order, margin.BasisPrice(order, last))

	if err := e.store.EnsureFunds(ctx, order.UserID, e.runtime.StartingCapital(ctx)); err != nil {
		return nil, err
	}

	var rejected error
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.margin.Block(ctx, tx, order.UserID, required); err != nil {
			if !sberrors.Is(err, sberrors.ErrInsufficientMargin) {
				return err
			}
			order.Status = models.OrderStatusRejected
			order.Reason = sberrors.ErrInsufficientMargin.Error()
			order.PendingQty = 0
			rejected = err
			return e.store.InsertOrder(ctx, tx, order)
		}
		order.MarginBlocked = required
		return e.store.InsertOrder(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		logging.LogOrder(e.logger, order.ID, order.Symbol, string(order.Side), string(order.Status))
		return order, rejected
	}

	logging.LogOrder(e.logger, order.ID, order.Symbol, string(order.Side), string(order.Status))
	return order, nil
}

func (e *Engine) reject(ctx context.Context, order *models.Order, reason string, cause error) (*models.Order, error) {
	order.Status = models.OrderStatusRejected
	order.Reason = reason
	order.PendingQty = 0
	if err := e.store.InsertOrder(ctx, e.store.DB(), order); err != nil {
		return nil, err
	}
	logging.LogOrder(e.logger, order.ID, order.Symbol, string(order.Side), string(order.Status))
	return order, cause
}

// Cancel cancels an open order and releases its blocked margin. Only open
// orders can be cancelled; terminal orders return ErrOrderNotOpen.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) (*models.Order, error) {
	var cancelled *models.Order
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := e.store.GetOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if userID != "" && order.UserID != userID {
			return sberrors.ErrOrderNotFound
		}
		if !order.IsOpen() {
			return sberrors.ErrOrderNotOpen
		}
		if err := e.margin.ReleaseOrder(ctx, tx, order); err != nil {
			return err
		}
		order.Status = models.OrderStatusCancelled
		order.PendingQty = 0
		if err := e.store.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.LogOrder(e.logger, cancelled.ID, cancelled.Symbol, string(cancelled.Side), string(cancelled.Status))
	return cancelled, nil
}

// CheckOrders evaluates every open order against a single price snapshot
// per instrument and fills the ones whose conditions are met. Orders on
// an instrument with no available price are skipped until the next tick.
// Returns the number of fills.
func (e *Engine) CheckOrders(ctx context.Context) (int, error) {
	orders, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	// One snapshot per (symbol, exchange) for the whole tick so every
	// order on an instrument sees the same price.
	snapshot := make(map[string]decimal.Decimal)
	missing := make(map[string]bool)
	priceFor := func(symbol string, exchange models.Exchange) (decimal.Decimal, bool) {
		key := string(exchange) + ":" + symbol
		if p, ok := snapshot[key]; ok {
			return p, true
		}
		if missing[key] {
			return decimal.Zero, false
		}
		quote, err := e.oracle.LastPrice(ctx, symbol, exchange)
		if err != nil {
			e.logger.Debug().Err(err).Str("instrument", key).Msg("No price this tick")
			missing[key] = true
			return decimal.Zero, false
		}
		snapshot[key] = quote.Price
		return quote.Price, true
	}

	filled := 0
	for i := range orders {
		order := &orders[i]
		price, ok := priceFor(order.Symbol, order.Exchange)
		if !ok {
			continue
		}
		fill, triggered := evaluate(order, price)
		if triggered && !order.Triggered {
			order.Triggered = true
			if !fill {
				// Persist the trigger so it survives a restart.
				if err := e.store.UpdateOrder(ctx, e.store.DB(), order); err != nil {
					e.logger.Error().Err(err).Str("order_id", order.ID).Msg("Persisting trigger failed")
				}
				continue
			}
		}
		if !fill {
			continue
		}
		if err := e.Fill(ctx, order, price); err != nil {
			e.logger.Error().Err(err).Str("order_id", order.ID).Msg("Fill failed")
			continue
		}
		filled++
	}
	return filled, nil
}

// evaluate decides whether an order fills at the snapshot price, and
// whether its stop trigger fires this tick.
func evaluate(order *models.Order, price decimal.Decimal) (fill, triggered bool) {
	switch order.Type {
	case models.OrderTypeMarket:
		return true, false

	case models.OrderTypeLimit:
		if order.Side == models.OrderSideBuy {
			return price.LessThanOrEqual(order.Price), false
		}
		return price.GreaterThanOrEqual(order.Price), false

	case models.OrderTypeStopLoss:
		triggered = order.Triggered || stopHit(order, price)
		if !triggered {
			return false, false
		}
		// Triggered SL behaves as a limit order.
		if order.Side == models.OrderSideBuy {
			return price.LessThanOrEqual(order.Price), true
		}
		return price.GreaterThanOrEqual(order.Price), true

	case models.OrderTypeStopLossM:
		triggered = order.Triggered || stopHit(order, price)
		return triggered, triggered
	}
	return false, false
}

// stopHit reports whether the snapshot price crosses the trigger. Buy
// stops arm on the way up, sell stops on the way down.
func stopHit(order *models.Order, price decimal.Decimal) bool {
	if order.Side == models.OrderSideBuy {
		return price.GreaterThanOrEqual(order.TriggerPrice)
	}
	return price.LessThanOrEqual(order.TriggerPrice)
}

// Fill executes an order in full at price: order completion, the trade
// record, position and fund accounting all commit in one transaction.
func (e *Engine) Fill(ctx context.Context, order *models.Order, price decimal.Decimal) error {
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := e.store.GetOrder(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return sberrors.ErrOrderNotOpen
		}
		current.Triggered = order.Triggered
		if err := e.settle(ctx, tx, current, price); err != nil {
			return err
		}
		*order = *current
		return nil
	})
	if err != nil {
		return sberrors.NewOrderError(order.ID, order.Symbol, "fill", "execution failed", err)
	}
	logging.LogFill(e.logger, order.ID, order.Symbol, order.Quantity, price.String())
	return nil
}

// ClosePosition squares off a position with a pre-settled market order on
// the opposite side. The order insert and its fill commit in one
// transaction, so a failed close rolls back completely and leaves no open
// order behind for the next tick to fill a second time.
func (e *Engine) ClosePosition(ctx context.Context, p *models.Position, reason string, price decimal.Decimal) (*models.Order, error) {
	order := syntheticOrder(p, reason)
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.store.InsertOrder(ctx, tx, order); err != nil {
			return err
		}
		return e.settle(ctx, tx, order, price)
	})
	if err != nil {
		return nil, sberrors.NewOrderError(order.ID, order.Symbol, "square-off", "close failed", err)
	}
	logging.LogFill(e.logger, order.ID, order.Symbol, order.Quantity, price.String())
	return order, nil
}

// settle applies a full fill to an order already loaded in tx: accounting,
// order completion and the trade record.
func (e *Engine) settle(ctx context.Context, tx *sql.Tx, order *models.Order, price decimal.Decimal) error {
	now := time.Now().UTC()

	var realized decimal.Decimal
	sellFromHoldings, err := e.sellsFromHoldings(ctx, tx, order)
	if err != nil {
		return err
	}
	if sellFromHoldings {
		realized, err = e.acct.SellFromHoldings(ctx, tx, order, price)
	} else {
		realized, err = e.acct.ApplyFill(ctx, tx, order, price, now)
	}
	if err != nil {
		return err
	}

	order.Status = models.OrderStatusComplete
	order.FilledQty = order.Quantity
	order.PendingQty = 0
	order.AveragePrice = price
	if err := e.store.UpdateOrder(ctx, tx, order); err != nil {
		return err
	}

	trade := &models.Trade{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Symbol:    order.Symbol,
		Exchange:  order.Exchange,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     price,
		Product:   order.Product,
		CreatedAt: now,
	}
	if err := e.store.InsertTrade(ctx, tx, trade); err != nil {
		return err
	}

	settleLogger := logging.WithOrderID(e.logger, order.ID)
	settleLogger.Debug().Str("realized", realized.String()).Msg("Fill settled")
	return nil
}

// sellsFromHoldings reports whether a fill should settle against settled
// delivery instead of the position book: CNC sells with no open long
// position and enough settled holding quantity.
func (e *Engine) sellsFromHoldings(ctx context.Context, tx *sql.Tx, order *models.Order) (bool, error) {
	if order.Product != models.ProductCNC || order.Side != models.OrderSideSell {
		return false, nil
	}
	pos, err := e.store.GetPosition(ctx, tx, order.UserID, order.Symbol, order.Exchange, order.Product)
	if err != nil {
		return false, err
	}
	if pos != nil && pos.Quantity > 0 {
		return false, nil
	}
	return e.acct.HasSellableHolding(ctx, tx, order)
}

func validate(req OrderRequest) error {
	if req.UserID == "" {
		return sberrors.NewValidationError("user_id", req.UserID, "required")
	}
	if req.Symbol == "" {
		return sberrors.NewValidationError("symbol", req.Symbol, "required")
	}
	if !models.ValidExchange(req.Exchange) {
		return sberrors.NewValidationError("exchange", string(req.Exchange), "unknown exchange")
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return sberrors.NewValidationError("side", string(req.Side), "must be BUY or SELL")
	}
	if req.Quantity <= 0 {
		return sberrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	if !models.ValidOrderType(req.Type) {
		return sberrors.NewValidationError("order_type", string(req.Type), "unknown order type")
	}
	if !models.ValidProduct(req.Product) {
		return sberrors.NewValidationError("product", string(req.Product), "unknown product")
	}
	if req.Product == models.ProductCNC && models.ClassifyInstrument(req.Exchange, req.Symbol) != models.ClassEquity {
		return sberrors.NewValidationError("product", string(req.Product), "CNC is equity delivery only")
	}
	switch req.Type {
	case models.OrderTypeLimit:
		if req.Price.LessThanOrEqual(decimal.Zero) {
			return sberrors.NewValidationError("price", req.Price.String(), "limit orders need a positive price")
		}
	case models.OrderTypeStopLoss:
		if req.Price.LessThanOrEqual(decimal.Zero) {
			return sberrors.NewValidationError("price", req.Price.String(), "stop-loss orders need a positive price")
		}
		if req.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return sberrors.NewValidationError("trigger_price", req.TriggerPrice.String(), "stop orders need a positive trigger")
		}
	case models.OrderTypeStopLossM:
		if req.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return sberrors.NewValidationError("trigger_price", req.TriggerPrice.String(), "stop orders need a positive trigger")
		}
	}
	if req.Price.IsNegative() || req.TriggerPrice.IsNegative() {
		return sberrors.NewValidationError("price", req.Price.String(), "prices cannot be negative")
	}
	return nil
}

// syntheticOrder builds the pre-settled market order ClosePosition fills.
// It carries no margin of its own; the margin lives on the position it
// closes.
func syntheticOrder(p *models.Position, reason string) *models.Order {
	now := time.Now().UTC()
	side := models.OrderSideSell
	if p.Quantity < 0 {
		side = models.OrderSideBuy
	}
	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	return &models.Order{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		Strategy:    reason,
		Symbol:      p.Symbol,
		Exchange:    p.Exchange,
		Side:        side,
		Quantity:    qty,
		Type:        models.OrderTypeMarket,
		Product:     p.Product,
		Status:      models.OrderStatusOpen,
		PendingQty:  qty,
		MarginFreed: true,
		Reason:      reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
