package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
)

const queueColumns = `id, endpoint, payload, status, retry_count, last_error, created_at, updated_at`

// EnqueueEntry persists a new delivery entry with status pending.
func (s *SQLiteStore) EnqueueEntry(ctx context.Context, e *models.QueueEntry) error {
	now := time.Now().UTC()
	e.Status = models.QueuePending
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, 0, '', ?, ?)`,
		e.ID, e.Endpoint, string(e.Payload), string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", e.ID, err)
	}
	return nil
}

// ListPendingEntries returns an endpoint's pending entries oldest first.
// Workers process a snapshot, so an entry failing back to pending cannot
// starve the entries queued behind it.
func (s *SQLiteStore) ListPendingEntries(ctx context.Context, endpoint string) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM order_queue
		WHERE status = ? AND endpoint = ?
		ORDER BY created_at`,
		string(models.QueuePending), endpoint)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// MarkProcessing claims a pending entry. The conditional update makes the
// claim atomic: a second worker racing on the same entry gets
// ErrEntryNotPending.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(models.QueueProcessing), time.Now().UTC(), id, string(models.QueuePending))
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sberrors.ErrEntryNotPending
	}
	return nil
}

// MarkSent records successful delivery.
func (s *SQLiteStore) MarkSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE order_queue SET status = ?, updated_at = ? WHERE id = ?`,
		string(models.QueueSent), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a delivery failure. Below maxRetries the entry goes
// back to pending; at or above it the entry dead-letters. Returns true
// when the entry was dead-lettered.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, lastError string, maxRetries int) (bool, error) {
	var deadLettered bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var retries int
		if err := tx.QueryRowContext(ctx,
			`SELECT retry_count FROM order_queue WHERE id = ?`, id).Scan(&retries); err != nil {
			if err == sql.ErrNoRows {
				return sberrors.ErrEntryNotFound
			}
			return err
		}

		retries++
		status := models.QueuePending
		if retries >= maxRetries {
			status = models.QueueFailed
			deadLettered = true
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE order_queue SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			string(status), retries, lastError, time.Now().UTC(), id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", id, err)
	}
	return deadLettered, nil
}

// RecoverStaleProcessing resets entries stuck in processing back to
// pending. Called once at startup: an entry still processing means the
// previous process died mid-dispatch.
func (s *SQLiteStore) RecoverStaleProcessing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_queue SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.QueuePending), time.Now().UTC(), string(models.QueueProcessing))
	if err != nil {
		return 0, fmt.Errorf("recover stale processing: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CancelPending removes an entry that has not been claimed yet. Once an
// entry is processing it must run to a terminal status.
func (s *SQLiteStore) CancelPending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM order_queue WHERE id = ? AND status = ?`,
		id, string(models.QueuePending))
	if err != nil {
		return fmt.Errorf("cancel pending %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sberrors.ErrEntryNotPending
	}
	return nil
}

// GetQueueEntry loads one entry by id.
func (s *SQLiteStore) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM order_queue WHERE id = ?`, id)
	e, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, sberrors.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry %s: %w", id, err)
	}
	return e, nil
}

// ListDeadLetters returns dead-lettered entries for operator inspection.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM order_queue WHERE status = ? ORDER BY updated_at DESC`,
		string(models.QueueFailed))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanQueueEntry(row rowScanner) (*models.QueueEntry, error) {
	var e models.QueueEntry
	var status, payload string
	err := row.Scan(&e.ID, &e.Endpoint, &payload, &status, &e.RetryCount,
		&e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.QueueStatus(status)
	e.Payload = []byte(payload)
	return &e, nil
}
