// Package store provides the SQLite ledger: orders, trades, positions,
// holdings, funds, engine configuration and the durable submission queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so row operations can
// run standalone or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore implements the ledger over SQLite.
type SQLiteStore struct {
	db        *sql.DB
	userLocks sync.Map // user_id -> *sync.Mutex
}

// NewSQLiteStore opens (or creates) the ledger database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one writer connection avoids SQLITE_BUSY
	// churn between the scheduler ticks and the queue workers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Orders: one row per user-submitted instruction
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		trigger_price TEXT NOT NULL DEFAULT '0',
		order_type TEXT NOT NULL,
		product TEXT NOT NULL,
		status TEXT NOT NULL,
		filled_qty INTEGER NOT NULL DEFAULT 0,
		pending_qty INTEGER NOT NULL DEFAULT 0,
		average_price TEXT NOT NULL DEFAULT '0',
		margin_blocked TEXT NOT NULL DEFAULT '0',
		margin_freed INTEGER NOT NULL DEFAULT 0,
		triggered INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);

	-- Trades: immutable fill records
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT NOT NULL,
		product TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id);
	CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);

	-- Positions: net exposure per (user, symbol, exchange, product)
	CREATE TABLE IF NOT EXISTS positions (
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		average_price TEXT NOT NULL DEFAULT '0',
		last_price TEXT NOT NULL DEFAULT '0',
		unrealized_pnl TEXT NOT NULL DEFAULT '0',
		pnl_percent TEXT NOT NULL DEFAULT '0',
		margin_blocked TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, symbol, exchange, product)
	);

	-- Holdings: settled CNC delivery
	CREATE TABLE IF NOT EXISTS holdings (
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		average_price TEXT NOT NULL DEFAULT '0',
		settlement_date DATETIME NOT NULL,
		settled INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, symbol, exchange)
	);

	-- Funds: one capital ledger row per user
	CREATE TABLE IF NOT EXISTS funds (
		user_id TEXT PRIMARY KEY,
		total_capital TEXT NOT NULL,
		available_balance TEXT NOT NULL,
		used_margin TEXT NOT NULL DEFAULT '0',
		realized_pnl TEXT NOT NULL DEFAULT '0',
		unrealized_pnl TEXT NOT NULL DEFAULT '0',
		total_pnl TEXT NOT NULL DEFAULT '0',
		last_reset DATETIME NOT NULL,
		reset_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	-- Engine configuration, mutated only by administrative action
	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Durable submission queue
	CREATE TABLE IF NOT EXISTS order_queue (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON order_queue(status, endpoint, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for non-transactional reads.
func (s *SQLiteStore) DB() Querier {
	return s.db
}

// WithTx runs fn inside a single atomic transaction. An immediate
// transaction takes the write lock up front so a tick that cannot acquire
// it fails fast (busy timeout) instead of deadlocking mid-update.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// UserLock returns the process-wide mutex serializing destructive per-user
// operations (weekly reset) against that user's fill and MTM updates.
func (s *SQLiteStore) UserLock(userID string) *sync.Mutex {
	mu, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ConfigView accesses config rows through a caller-supplied querier.
// Code running inside a transaction must read config through the
// transaction: the pool holds a single connection, so a root-handle read
// under an open transaction waits forever for a connection that the
// transaction itself owns.
type ConfigView struct {
	q Querier
}

// ConfigIn returns a config accessor bound to q.
func (s *SQLiteStore) ConfigIn(q Querier) ConfigView {
	return ConfigView{q: q}
}

// GetConfigValue returns a config value, or "" when the key is absent.
func (v ConfigView) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := v.q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue inserts or updates a config value.
func (v ConfigView) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// GetConfigValue returns a config value from the root handle.
func (s *SQLiteStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	return s.ConfigIn(s.db).GetConfigValue(ctx, key)
}

// SetConfigValue inserts or updates a config value on the root handle.
func (s *SQLiteStore) SetConfigValue(ctx context.Context, key, value string) error {
	return s.ConfigIn(s.db).SetConfigValue(ctx, key, value)
}

// AllConfig returns every config row.
func (s *SQLiteStore) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// dec parses a stored decimal column; empty text reads as zero.
func dec(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
