package index

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// Worker periodically drains the index queue in the background. Like
// the cleaner and watchdog it communicates through an append-only table
// and never holds an in-memory queue across a restart.
type Worker struct {
	indexer  *Indexer
	interval time.Duration
	logger   *slog.Logger
}

func NewWorker(indexer *Indexer, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{indexer: indexer, interval: interval, logger: logger}
}

// Run blocks, draining the queue every interval, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.indexer.Drain(ctx); err != nil {
				w.logger.Error("indexer drain failed", "error", err)
			}
		}
	}
}

// SetLocalSolvable sets the local-solvable bit the resolver computes
// during checkin, then enqueues the
// object for re-aggregation.
func SetLocalSolvable(ctx context.Context, sqlDB *sql.DB, id string, solvable bool) error {
	if _, err := sqlDB.ExecContext(ctx, `UPDATE objects SET local_solvable = ? WHERE id = ?`, solvable, id); err != nil {
		return terror.Wrap(terror.IO, "failed to set local solvable bit", err)
	}
	_, err := sqlDB.ExecContext(ctx, `
		INSERT INTO index_queue (kind, target_id, transaction_id)
		VALUES ('object', ?, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM index_queue))
	`, id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to enqueue object after solvable update", err)
	}
	return nil
}
