package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
)

const positionColumns = `user_id, symbol, exchange, product, quantity, average_price,
	last_price, unrealized_pnl, pnl_percent, margin_blocked, created_at, updated_at`

// GetPosition loads one position row; returns (nil, nil) when the key is flat.
func (s *SQLiteStore) GetPosition(ctx context.Context, q Querier, userID, symbol string, exchange models.Exchange, product models.ProductType) (*models.Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
		userID, symbol, string(exchange), string(product))
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// UpsertPosition inserts or rewrites a position row.
func (s *SQLiteStore) UpsertPosition(ctx context.Context, q Querier, p *models.Position) error {
	p.UpdatedAt = time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol, exchange, product) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			last_price = excluded.last_price,
			unrealized_pnl = excluded.unrealized_pnl,
			pnl_percent = excluded.pnl_percent,
			margin_blocked = excluded.margin_blocked,
			updated_at = excluded.updated_at`,
		p.UserID, p.Symbol, string(p.Exchange), string(p.Product), p.Quantity,
		p.AveragePrice.String(), p.LastPrice.String(), p.UnrealizedPnL.String(),
		p.PnLPercent.String(), p.MarginBlocked.String(), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Key(), err)
	}
	return nil
}

// DeletePosition removes a closed position row.
func (s *SQLiteStore) DeletePosition(ctx context.Context, q Querier, userID, symbol string, exchange models.Exchange, product models.ProductType) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM positions WHERE user_id = ? AND symbol = ? AND exchange = ? AND product = ?`,
		userID, symbol, string(exchange), string(product))
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// ListPositions returns a user's positions.
func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]models.Position, error) {
	return s.listPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY symbol`, userID)
}

// ListAllPositions returns every position row, for the MTM tick.
func (s *SQLiteStore) ListAllPositions(ctx context.Context) ([]models.Position, error) {
	return s.listPositions(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY user_id, symbol`)
}

// ListMISPositions returns open MIS positions on the given exchanges, for
// the square-off job.
func (s *SQLiteStore) ListMISPositions(ctx context.Context, exchanges []models.Exchange) ([]models.Position, error) {
	if len(exchanges) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(exchanges)), ",")
	args := make([]interface{}, 0, len(exchanges)+1)
	args = append(args, string(models.ProductMIS))
	for _, e := range exchanges {
		args = append(args, string(e))
	}
	return s.listPositions(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE product = ? AND quantity != 0 AND exchange IN (`+placeholders+`)
		ORDER BY user_id, symbol`, args...)
}

// DeletePositionsForUser clears all of a user's positions (weekly reset).
func (s *SQLiteStore) DeletePositionsForUser(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, userID)
	return err
}

func (s *SQLiteStore) listPositions(ctx context.Context, query string, args ...interface{}) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var exchange, product string
	var avgPrice, lastPrice, unrealized, pnlPercent, marginBlocked string
	err := row.Scan(&p.UserID, &p.Symbol, &exchange, &product, &p.Quantity,
		&avgPrice, &lastPrice, &unrealized, &pnlPercent, &marginBlocked, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Exchange = models.Exchange(exchange)
	p.Product = models.ProductType(product)
	p.AveragePrice = dec(avgPrice)
	p.LastPrice = dec(lastPrice)
	p.UnrealizedPnL = dec(unrealized)
	p.PnLPercent = dec(pnlPercent)
	p.MarginBlocked = dec(marginBlocked)
	return &p, nil
}

// GetHolding loads one holding row; returns (nil, nil) when absent.
func (s *SQLiteStore) GetHolding(ctx context.Context, q Querier, userID, symbol string, exchange models.Exchange) (*models.Holding, error) {
	row := q.QueryRowContext(ctx, `
		SELECT user_id, symbol, exchange, quantity, average_price, settlement_date, settled, created_at
		FROM holdings WHERE user_id = ? AND symbol = ? AND exchange = ?`,
		userID, symbol, string(exchange))
	h, err := scanHolding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get holding: %w", err)
	}
	return h, nil
}

// SaveHolding inserts or rewrites a holding row.
func (s *SQLiteStore) SaveHolding(ctx context.Context, q Querier, h *models.Holding) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO holdings (user_id, symbol, exchange, quantity, average_price, settlement_date, settled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol, exchange) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			settlement_date = excluded.settlement_date,
			settled = excluded.settled`,
		h.UserID, h.Symbol, string(h.Exchange), h.Quantity, h.AveragePrice.String(),
		h.SettlementDate, boolToInt(h.Settled), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("save holding: %w", err)
	}
	return nil
}

// DeleteHolding removes an emptied holding row.
func (s *SQLiteStore) DeleteHolding(ctx context.Context, q Querier, userID, symbol string, exchange models.Exchange) error {
	_, err := q.ExecContext(ctx, `DELETE FROM holdings WHERE user_id = ? AND symbol = ? AND exchange = ?`,
		userID, symbol, string(exchange))
	return err
}

// ListHoldings returns a user's holdings.
func (s *SQLiteStore) ListHoldings(ctx context.Context, userID string) ([]models.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, symbol, exchange, quantity, average_price, settlement_date, settled, created_at
		FROM holdings WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

// ListDueHoldings returns unsettled holdings whose settlement date has
// passed, for the settlement sweep.
func (s *SQLiteStore) ListDueHoldings(ctx context.Context, asOf time.Time) ([]models.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, symbol, exchange, quantity, average_price, settlement_date, settled, created_at
		FROM holdings WHERE settled = 0 AND settlement_date <= ? ORDER BY user_id, symbol`, asOf)
	if err != nil {
		return nil, fmt.Errorf("list due holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

// DeleteHoldingsForUser clears all of a user's holdings (weekly reset).
func (s *SQLiteStore) DeleteHoldingsForUser(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM holdings WHERE user_id = ?`, userID)
	return err
}

func scanHolding(row rowScanner) (*models.Holding, error) {
	var h models.Holding
	var exchange, avgPrice string
	var settled int
	err := row.Scan(&h.UserID, &h.Symbol, &exchange, &h.Quantity, &avgPrice,
		&h.SettlementDate, &settled, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	h.Exchange = models.Exchange(exchange)
	h.AveragePrice = dec(avgPrice)
	h.Settled = settled != 0
	return &h, nil
}

// EnsureFunds creates a user's funds row at starting capital if absent.
func (s *SQLiteStore) EnsureFunds(ctx context.Context, userID string, capital decimal.Decimal) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funds (user_id, total_capital, available_balance, used_margin,
			realized_pnl, unrealized_pnl, total_pnl, last_reset, reset_count, updated_at)
		VALUES (?, ?, ?, '0', '0', '0', '0', ?, 0, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, capital.String(), capital.String(), now, now)
	if err != nil {
		return fmt.Errorf("ensure funds for %s: %w", userID, err)
	}
	return nil
}

// GetFunds loads a user's funds row.
func (s *SQLiteStore) GetFunds(ctx context.Context, q Querier, userID string) (*models.Funds, error) {
	var f models.Funds
	var capital, available, used, realized, unrealized, total string
	err := q.QueryRowContext(ctx, `
		SELECT user_id, total_capital, available_balance, used_margin, realized_pnl,
			unrealized_pnl, total_pnl, last_reset, reset_count, updated_at
		FROM funds WHERE user_id = ?`, userID).
		Scan(&f.UserID, &capital, &available, &used, &realized, &unrealized, &total,
			&f.LastReset, &f.ResetCount, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, sberrors.Wrapf(sberrors.ErrDatabaseError, "no funds row for %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get funds for %s: %w", userID, err)
	}
	f.TotalCapital = dec(capital)
	f.AvailableBalance = dec(available)
	f.UsedMargin = dec(used)
	f.RealizedPnL = dec(realized)
	f.UnrealizedPnL = dec(unrealized)
	f.TotalPnL = dec(total)
	return &f, nil
}

// UpdateFunds rewrites a user's funds row.
func (s *SQLiteStore) UpdateFunds(ctx context.Context, q Querier, f *models.Funds) error {
	f.UpdatedAt = time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		UPDATE funds SET total_capital = ?, available_balance = ?, used_margin = ?,
			realized_pnl = ?, unrealized_pnl = ?, total_pnl = ?, last_reset = ?,
			reset_count = ?, updated_at = ?
		WHERE user_id = ?`,
		f.TotalCapital.String(), f.AvailableBalance.String(), f.UsedMargin.String(),
		f.RealizedPnL.String(), f.UnrealizedPnL.String(), f.TotalPnL.String(),
		f.LastReset, f.ResetCount, f.UpdatedAt, f.UserID)
	if err != nil {
		return fmt.Errorf("update funds for %s: %w", f.UserID, err)
	}
	return nil
}

// ListUserIDs returns every user with a funds row.
func (s *SQLiteStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM funds ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
