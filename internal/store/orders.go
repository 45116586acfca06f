package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
)

const orderColumns = `id, user_id, strategy, symbol, exchange, side, quantity,
	price, trigger_price, order_type, product, status, filled_qty, pending_qty,
	average_price, margin_blocked, margin_freed, triggered, reason, created_at, updated_at`

// InsertOrder persists a new order row.
func (s *SQLiteStore) InsertOrder(ctx context.Context, q Querier, o *models.Order) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Strategy, o.Symbol, string(o.Exchange), string(o.Side), o.Quantity,
		o.Price.String(), o.TriggerPrice.String(), string(o.Type), string(o.Product), string(o.Status),
		o.FilledQty, o.PendingQty, o.AveragePrice.String(), o.MarginBlocked.String(),
		boolToInt(o.MarginFreed), boolToInt(o.Triggered), o.Reason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder rewrites the mutable fields of an order row.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, q Querier, o *models.Order) error {
	o.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, pending_qty = ?, average_price = ?,
			margin_freed = ?, triggered = ?, reason = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), o.FilledQty, o.PendingQty, o.AveragePrice.String(),
		boolToInt(o.MarginFreed), boolToInt(o.Triggered), o.Reason, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sberrors.ErrOrderNotFound
	}
	return nil
}

// GetOrder loads one order by id.
func (s *SQLiteStore) GetOrder(ctx context.Context, q Querier, id string) (*models.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, sberrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// ListOpenOrders returns every open order, oldest first, so fills inside a
// tick happen in submission order.
func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at`,
		string(models.OrderStatusOpen))
}

// ListOpenOrdersByUser returns a user's open orders.
func (s *SQLiteStore) ListOpenOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ? AND user_id = ? ORDER BY created_at`,
		string(models.OrderStatusOpen), userID)
}

// ListOrdersByUser returns a user's orders, newest first.
func (s *SQLiteStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
}

func (s *SQLiteStore) listOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// InsertTrade persists an immutable fill record.
func (s *SQLiteStore) InsertTrade(ctx context.Context, q Querier, t *models.Trade) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, user_id, symbol, exchange, side, quantity, price, product, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrderID, t.UserID, t.Symbol, string(t.Exchange), string(t.Side),
		t.Quantity, t.Price.String(), string(t.Product), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns a user's trades, newest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, user_id, symbol, exchange, side, quantity, price, product, created_at
		FROM trades WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var exchange, side, product, price string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.Symbol, &exchange, &side,
			&t.Quantity, &price, &product, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Exchange = models.Exchange(exchange)
		t.Side = models.OrderSide(side)
		t.Product = models.ProductType(product)
		t.Price = dec(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CountTradesByOrder returns how many fills an order produced.
func (s *SQLiteStore) CountTradesByOrder(ctx context.Context, orderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE order_id = ?`, orderID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var exchange, side, orderType, product, status string
	var price, triggerPrice, avgPrice, marginBlocked string
	var marginFreed, triggered int
	err := row.Scan(&o.ID, &o.UserID, &o.Strategy, &o.Symbol, &exchange, &side, &o.Quantity,
		&price, &triggerPrice, &orderType, &product, &status, &o.FilledQty, &o.PendingQty,
		&avgPrice, &marginBlocked, &marginFreed, &triggered, &o.Reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Exchange = models.Exchange(exchange)
	o.Side = models.OrderSide(side)
	o.Type = models.OrderType(orderType)
	o.Product = models.ProductType(product)
	o.Status = models.OrderStatus(status)
	o.Price = dec(price)
	o.TriggerPrice = dec(triggerPrice)
	o.AveragePrice = dec(avgPrice)
	o.MarginBlocked = dec(marginBlocked)
	o.MarginFreed = marginFreed != 0
	o.Triggered = triggered != 0
	return &o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
