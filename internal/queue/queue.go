// Package queue delivers order submissions at-least-once through a
// durable sqlite-backed queue. Entries are delivery envelopes only; all
// trading semantics live behind the dispatcher.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sandbox-exchange/internal/config"
	sberrors "sandbox-exchange/internal/errors"
	"sandbox-exchange/internal/models"
	"sandbox-exchange/internal/store"
)

// Dispatcher executes one queue entry. A nil return acknowledges the
// entry; an error sends it back for retry, dispatchers must therefore
// tolerate redelivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry *models.QueueEntry) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, entry *models.QueueEntry) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, entry *models.QueueEntry) error {
	return f(ctx, entry)
}

// Worker drains one endpoint's queue in order.
type Worker struct {
	store    *store.SQLiteStore
	runtime  *config.Runtime
	endpoint string
	dispatch Dispatcher
	logger   zerolog.Logger
}

// NewWorker creates a worker for one endpoint.
func NewWorker(s *store.SQLiteStore, r *config.Runtime, endpoint string, d Dispatcher, logger zerolog.Logger) *Worker {
	return &Worker{
		store:    s,
		runtime:  r,
		endpoint: endpoint,
		dispatch: d,
		logger:   logger,
	}
}

// Enqueue persists a new pending entry for this worker's endpoint.
func (w *Worker) Enqueue(ctx context.Context, payload []byte) (*models.QueueEntry, error) {
	entry := &models.QueueEntry{
		ID:       uuid.NewString(),
		Endpoint: w.endpoint,
		Payload:  payload,
	}
	if err := w.store.EnqueueEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Cancel removes an entry that has not been claimed yet.
func (w *Worker) Cancel(ctx context.Context, id string) error {
	return w.store.CancelPending(ctx, id)
}

// Recover returns entries stranded in processing by a crash back to
// pending. Must run once before the loop starts.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	n, err := w.store.RecoverStaleProcessing(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Warn().Int("entries", n).Msg("Recovered stale queue entries")
	}
	return n, nil
}

// Run polls and drains the queue until ctx is cancelled. Blocking.
func (w *Worker) Run(ctx context.Context) {
	for {
		interval := w.runtime.QueuePollInterval(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if _, _, err := w.Drain(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Queue drain failed")
		}
	}
}

// Drain processes a snapshot of the pending entries oldest-first.
// Entries that fail go back to pending; they are not retried within the
// same drain, so a poisoned entry cannot starve the ones behind it.
func (w *Worker) Drain(ctx context.Context) (sent, failed int, err error) {
	pending, err := w.store.ListPendingEntries(ctx, w.endpoint)
	if err != nil {
		return 0, 0, err
	}
	for i := range pending {
		entry := &pending[i]
		select {
		case <-ctx.Done():
			return sent, failed, ctx.Err()
		default:
		}

		if err := w.store.MarkProcessing(ctx, entry.ID); err != nil {
			if sberrors.Is(err, sberrors.ErrEntryNotPending) {
				// Claimed elsewhere; move on.
				continue
			}
			return sent, failed, err
		}

		if dispatchErr := w.dispatch.Dispatch(ctx, entry); dispatchErr != nil {
			failed++
			deadLettered, err := w.store.MarkFailed(ctx, entry.ID, dispatchErr.Error(), w.runtime.QueueMaxRetries(ctx))
			if err != nil {
				return sent, failed, err
			}
			if deadLettered {
				w.logger.Error().
					Str("entry_id", entry.ID).
					Str("last_error", dispatchErr.Error()).
					Int("retries", entry.RetryCount+1).
					Msg("Queue entry dead-lettered")
			} else {
				w.logger.Warn().
					Str("entry_id", entry.ID).
					Err(dispatchErr).
					Msg("Queue dispatch failed, will retry")
			}
			continue
		}

		if err := w.store.MarkSent(ctx, entry.ID); err != nil {
			return sent, failed, err
		}
		sent++
	}
	return sent, failed, nil
}
