package store

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// Cleaner runs the post-GC sweep: on-disk blobs whose
// objects row has no remaining referrer and is older than a grace period
// are removed, and the database row follows. It runs on a ticker
// alongside the indexer and watchdog workers.
type Cleaner struct {
	store  *DiskStore
	grace  time.Duration
	now    func() int64
	logger *slog.Logger
}

func NewCleaner(s *DiskStore, grace time.Duration, now func() int64, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{store: s, grace: grace, now: now, logger: logger}
}

// Run blocks, sweeping every interval, until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("cleaner sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes every object row with reference_count = 0 whose
// touched_at is older than grace, removing its blob and objects row.
// A reference is any object_children edge, a process's command, output,
// or log pointer, or a tag item — reference_count is maintained by the
// callers that create those edges; Sweep only consumes it, and releases
// the removed object's own children so unreferenced subtrees drain over
// successive sweeps.
func (c *Cleaner) Sweep(ctx context.Context) (err error) {
	cutoff := c.now() - c.grace.Milliseconds()
	rows, err := c.store.db.QueryContext(ctx, `
		SELECT id FROM objects WHERE reference_count = 0 AND touched_at < ?
	`, cutoff)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to query unreferenced objects", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return terror.Wrap(terror.IO, "failed to scan unreferenced object", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := c.removeOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cleaner) removeOne(ctx context.Context, id string) error {
	p := c.store.path(object.ID(id))
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return terror.Wrap(terror.IO, "failed to remove unreferenced blob", err)
	}
	c.store.hot.Remove(object.ID(id))
	// Removing this object's outgoing edges releases its children, so a
	// subtree whose only referrer was this object becomes collectable on
	// the next sweep.
	if _, err := c.store.db.ExecContext(ctx, `
		UPDATE objects
		SET reference_count = MAX(reference_count - (SELECT COUNT(*) FROM object_children WHERE parent = ? AND child = objects.id), 0)
		WHERE id IN (SELECT child FROM object_children WHERE parent = ?)
	`, id, id); err != nil {
		return terror.Wrap(terror.IO, "failed to release child references", err)
	}
	if _, err := c.store.db.ExecContext(ctx, `DELETE FROM object_children WHERE parent = ?`, id); err != nil {
		return terror.Wrap(terror.IO, "failed to delete orphaned child edges", err)
	}
	if _, err := c.store.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return terror.Wrap(terror.IO, "failed to delete unreferenced object row", err)
	}
	return nil
}
