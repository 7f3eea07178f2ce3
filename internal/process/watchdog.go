package process

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// Watchdog reclaims processes whose heartbeat has gone stale, running
// alongside the cleaner and indexer workers. A stale started process
// is either re-enqueued for retry or, past its retry budget, finished
// as timed out.
type Watchdog struct {
	engine *Engine
	db     *sql.DB
	ttl    time.Duration
	now    func() int64
	logger *slog.Logger
}

func NewWatchdog(engine *Engine, sqlDB *sql.DB, ttl time.Duration, now func() int64, logger *slog.Logger) *Watchdog {
	return &Watchdog{engine: engine, db: sqlDB, ttl: ttl, now: now, logger: logger}
}

// Run blocks, sweeping for stale processes every interval, until ctx is
// cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error("watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep reclaims every started process whose heartbeat is older than
// the TTL: a first offense is re-enqueued, a second is timed out. The
// one-shot reclaimed bit is the watchdog's own bookkeeping, distinct
// from the caller's retry spawn flag.
func (w *Watchdog) Sweep(ctx context.Context) error {
	cutoff := w.now() - w.ttl.Milliseconds()
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, reclaimed FROM processes WHERE status = 'started' AND heartbeat_at < ?
	`, cutoff)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to query stale processes", err)
	}
	type stale struct {
		id               string
		reclaimedAlready bool
	}
	var entries []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.reclaimedAlready); err != nil {
			rows.Close()
			return terror.Wrap(terror.IO, "failed to scan stale process", err)
		}
		entries = append(entries, s)
	}
	rows.Close()

	for _, s := range entries {
		if !s.reclaimedAlready {
			res, err := w.db.ExecContext(ctx, `
				UPDATE processes SET status = 'enqueued', started_at = NULL, heartbeat_at = NULL, reclaimed = TRUE
				WHERE id = ? AND status = 'started'
			`, s.id)
			if err != nil {
				return terror.Wrap(terror.IO, "failed to reclaim stale process", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				w.logger.Warn("watchdog reclaimed stale process for retry", "process", s.id)
				continue
			}
		}
		if err := w.engine.Finish(ctx, s.id, Result{
			Err: terror.New(terror.Timeout, "process lost its heartbeat and exhausted its retry budget"),
		}); err != nil {
			return err
		}
		w.logger.Warn("watchdog timed out stale process", "process", s.id)
	}
	return nil
}
