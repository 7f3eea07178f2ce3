// Package index implements the indexer: it drains the
// transactionally-ordered update queue and computes subtree metrics for
// every object and process, propagating changes to parents until a pass
// changes nothing.
package index

import (
	"context"
	"database/sql"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// ObjectMetrics is one row's worth of computed state.
type ObjectMetrics struct {
	ID            string
	SubtreeCount  *int64
	SubtreeDepth  *int64
	SubtreeSize   *int64
	SubtreeStored bool
	Solved        bool
	Solvable      bool
}

// Indexer drains the index_queue and recomputes aggregate metrics.
type Indexer struct {
	db *sql.DB
}

func New(sqlDB *sql.DB) *Indexer {
	return &Indexer{db: sqlDB}
}

// Drain processes every pending queue entry in transaction_id order,
// re-aggregating the named object and, if its stored metrics changed,
// enqueuing every parent for the same treatment. It returns once a full
// pass changes nothing.
func (ix *Indexer) Drain(ctx context.Context) error {
	for {
		progressed, err := ix.drainOnce(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

func (ix *Indexer) drainOnce(ctx context.Context) (bool, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT seq, kind, target_id FROM index_queue ORDER BY transaction_id, seq
	`)
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to read index queue", err)
	}
	type entry struct {
		seq    int64
		kind   string
		target string
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.seq, &e.kind, &e.target); err != nil {
			rows.Close()
			return false, terror.Wrap(terror.IO, "failed to scan index queue row", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if len(entries) == 0 {
		return false, nil
	}

	any := false
	for _, e := range entries {
		var changed bool
		var err error
		switch e.kind {
		case "object":
			changed, err = ix.reindexObject(ctx, e.target)
		case "process":
			changed, err = ix.reindexProcess(ctx, e.target)
		}
		if err != nil {
			return false, err
		}
		if changed {
			any = true
		}
		if _, err := ix.db.ExecContext(ctx, `DELETE FROM index_queue WHERE seq = ?`, e.seq); err != nil {
			return false, terror.Wrap(terror.IO, "failed to dequeue index entry", err)
		}
	}
	return any, nil
}

// reindexObject recomputes one object's subtree_* aggregates from its
// children's already-stored subtree_* values, then enqueues every
// parent if anything changed.
func (ix *Indexer) reindexObject(ctx context.Context, id string) (bool, error) {
	var nodeSize int64
	var localSolvable bool
	err := ix.db.QueryRowContext(ctx, `SELECT node_size, local_solvable FROM objects WHERE id = ?`, id).Scan(&nodeSize, &localSolvable)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to load object row", err)
	}

	// LEFT JOIN: a child with no objects row at all (not yet put) must
	// still count as an incomplete/unstored child, not be silently
	// skipped the way an INNER JOIN would skip it.
	rows, err := ix.db.QueryContext(ctx, `
		SELECT o.subtree_count, o.subtree_depth, o.subtree_size, o.subtree_stored, o.solved, o.solvable
		FROM object_children c LEFT JOIN objects o ON o.id = c.child
		WHERE c.parent = ?
		ORDER BY c.position
	`, id)
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to load child rows", err)
	}
	defer rows.Close()

	complete := true
	var count, depth, size int64
	stored, solved, solvable := true, true, true
	hasChildren := false
	for rows.Next() {
		hasChildren = true
		var c, d, s sql.NullInt64
		var childStored, childSolved, childSolvable sql.NullBool
		if err := rows.Scan(&c, &d, &s, &childStored, &childSolved, &childSolvable); err != nil {
			return false, terror.Wrap(terror.IO, "failed to scan child metrics", err)
		}
		if !c.Valid {
			complete = false
		} else {
			count += c.Int64
			if d.Int64+1 > depth {
				depth = d.Int64 + 1
			}
			size += s.Int64
		}
		// A child with no row at all (childStored.Valid == false) is
		// simply not yet stored; it does not by itself prove the
		// subtree unsolvable.
		stored = stored && childStored.Valid && childStored.Bool
		solved = solved && childSolved.Valid && childSolved.Bool
		if childSolvable.Valid {
			solvable = solvable && childSolvable.Bool
		}
	}
	if !hasChildren {
		depth = 0
	}

	m := ObjectMetrics{ID: id, SubtreeStored: stored, Solved: solved && stored, Solvable: solvable && localSolvable}
	if complete {
		c := count + 1
		d := depth
		s := size + nodeSize
		m.SubtreeCount, m.SubtreeDepth, m.SubtreeSize = &c, &d, &s
	}

	changed, err := ix.writeObjectMetrics(ctx, m)
	if err != nil {
		return false, err
	}
	if changed {
		if err := ix.enqueueParents(ctx, "object", id); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func (ix *Indexer) writeObjectMetrics(ctx context.Context, m ObjectMetrics) (bool, error) {
	var prevCount, prevDepth, prevSize sql.NullInt64
	var prevStored, prevSolved, prevSolvable bool
	err := ix.db.QueryRowContext(ctx, `
		SELECT subtree_count, subtree_depth, subtree_size, subtree_stored, solved, solvable FROM objects WHERE id = ?
	`, m.ID).Scan(&prevCount, &prevDepth, &prevSize, &prevStored, &prevSolved, &prevSolvable)
	if err != nil && err != sql.ErrNoRows {
		return false, terror.Wrap(terror.IO, "failed to load previous metrics", err)
	}

	changed := prevStored != m.SubtreeStored || prevSolved != m.Solved || prevSolvable != m.Solvable ||
		nullableChanged(prevCount, m.SubtreeCount) || nullableChanged(prevDepth, m.SubtreeDepth) || nullableChanged(prevSize, m.SubtreeSize)
	if !changed {
		return false, nil
	}

	_, err = ix.db.ExecContext(ctx, `
		UPDATE objects SET subtree_count = ?, subtree_depth = ?, subtree_size = ?, subtree_stored = ?, solved = ?, solvable = ?
		WHERE id = ?
	`, nullableInt(m.SubtreeCount), nullableInt(m.SubtreeDepth), nullableInt(m.SubtreeSize), m.SubtreeStored, m.Solved, m.Solvable, m.ID)
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to write object metrics", err)
	}
	return true, nil
}

func nullableChanged(prev sql.NullInt64, next *int64) bool {
	if next == nil {
		return prev.Valid
	}
	return !prev.Valid || prev.Int64 != *next
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func (ix *Indexer) enqueueParents(ctx context.Context, kind, id string) error {
	table := "object_children"
	if kind == "process" {
		table = "process_children"
	}
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO index_queue (kind, target_id, transaction_id)
		SELECT ?, parent, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM index_queue)
		FROM `+table+` WHERE child = ?
	`, kind, id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to enqueue parents", err)
	}
	// An object's parents also include every process pointing at it
	// through its command/output/log columns: those processes fold the
	// object's storedness into their own split metrics and must
	// re-aggregate when it changes.
	if kind == "object" {
		if _, err := ix.db.ExecContext(ctx, `
			INSERT INTO index_queue (kind, target_id, transaction_id)
			SELECT 'process', id, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM index_queue)
			FROM processes WHERE command_id = ? OR output_id = ? OR log_id = ?
		`, id, id, id); err != nil {
			return terror.Wrap(terror.IO, "failed to enqueue referencing processes", err)
		}
	}
	return nil
}

// reindexProcess recomputes a process's aggregates from its children
// edges plus the split metrics for the objects its own command, output,
// and log columns name. A process whose output blob is missing from the
// store is not subtree-stored, however complete its child processes
// are. The error body lives inline on the process row rather than as an
// object, so it carries no split metric of its own.
func (ix *Indexer) reindexProcess(ctx context.Context, id string) (bool, error) {
	var status, commandID string
	var outputID, logID sql.NullString
	err := ix.db.QueryRowContext(ctx, `
		SELECT status, command_id, output_id, log_id FROM processes WHERE id = ?
	`, id).Scan(&status, &commandID, &outputID, &logID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to load process row", err)
	}

	rows, err := ix.db.QueryContext(ctx, `
		SELECT p.subtree_count, p.subtree_stored
		FROM process_children pc LEFT JOIN processes p ON p.id = pc.child
		WHERE pc.parent = ?
		ORDER BY pc.position
	`, id)
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to load process child metrics", err)
	}
	defer rows.Close()

	complete := true
	var count int64
	childrenStored := true
	for rows.Next() {
		var c sql.NullInt64
		var childStored sql.NullBool
		if err := rows.Scan(&c, &childStored); err != nil {
			return false, terror.Wrap(terror.IO, "failed to scan process child metrics", err)
		}
		if !c.Valid {
			complete = false
		} else {
			count += c.Int64
		}
		childrenStored = childrenStored && childStored.Valid && childStored.Bool
	}

	finished := status == "finished"
	commandStored, err := ix.objectStored(ctx, commandID)
	if err != nil {
		return false, err
	}
	outputStored, err := ix.pointerStored(ctx, outputID, finished)
	if err != nil {
		return false, err
	}
	logStored, err := ix.pointerStored(ctx, logID, finished)
	if err != nil {
		return false, err
	}
	stored := childrenStored && commandStored && outputStored && logStored

	var subtreeCount *int64
	if complete {
		c := count + 1
		subtreeCount = &c
	}

	var prevCount sql.NullInt64
	var prevStored, prevCommand, prevOutput, prevLog bool
	err = ix.db.QueryRowContext(ctx, `
		SELECT subtree_count, subtree_stored, command_stored, output_stored, log_stored FROM processes WHERE id = ?
	`, id).Scan(&prevCount, &prevStored, &prevCommand, &prevOutput, &prevLog)
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to load previous process metrics", err)
	}
	changed := prevStored != stored || prevCommand != commandStored || prevOutput != outputStored ||
		prevLog != logStored || nullableChanged(prevCount, subtreeCount)
	if !changed {
		return false, nil
	}
	if _, err := ix.db.ExecContext(ctx, `
		UPDATE processes SET subtree_count = ?, subtree_stored = ?, command_stored = ?, output_stored = ?, log_stored = ?
		WHERE id = ?
	`, nullableInt(subtreeCount), stored, commandStored, outputStored, logStored, id); err != nil {
		return false, terror.Wrap(terror.IO, "failed to write process metrics", err)
	}
	if err := ix.enqueueParents(ctx, "process", id); err != nil {
		return false, err
	}
	return true, nil
}

// objectStored reads an object's subtree_stored bit; an object with no
// row at all is simply not stored yet.
func (ix *Indexer) objectStored(ctx context.Context, id string) (bool, error) {
	var stored bool
	err := ix.db.QueryRowContext(ctx, `SELECT subtree_stored FROM objects WHERE id = ?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, terror.Wrap(terror.IO, "failed to read referenced object storedness", err)
	}
	return stored, nil
}

// pointerStored evaluates an optional output/log pointer: while the
// process runs, an unset pointer means the result has not arrived yet,
// so the metric stays false; once the process is finished, an unset
// pointer means no such body exists and the metric is vacuously true.
func (ix *Indexer) pointerStored(ctx context.Context, id sql.NullString, finished bool) (bool, error) {
	if !id.Valid || id.String == "" {
		return finished, nil
	}
	return ix.objectStored(ctx, id.String)
}

// IsComplete reports whether a subtree is complete: subtree_size present.
func IsComplete(m ObjectMetrics) bool { return m.SubtreeSize != nil }

// Metrics returns id's last-computed aggregate metrics, for the
// GET /objects/:id/metadata endpoint. ok is false if id has
// no objects row at all yet.
func (ix *Indexer) Metrics(ctx context.Context, id string) (ObjectMetrics, bool, error) {
	var count, depth, size sql.NullInt64
	var stored, solved, solvable bool
	err := ix.db.QueryRowContext(ctx, `
		SELECT subtree_count, subtree_depth, subtree_size, subtree_stored, solved, solvable FROM objects WHERE id = ?
	`, id).Scan(&count, &depth, &size, &stored, &solved, &solvable)
	if err == sql.ErrNoRows {
		return ObjectMetrics{}, false, nil
	}
	if err != nil {
		return ObjectMetrics{}, false, terror.Wrap(terror.IO, "failed to load object metrics", err)
	}
	m := ObjectMetrics{ID: id, SubtreeStored: stored, Solved: solved, Solvable: solvable}
	if count.Valid {
		m.SubtreeCount = &count.Int64
	}
	if depth.Valid {
		m.SubtreeDepth = &depth.Int64
	}
	if size.Valid {
		m.SubtreeSize = &size.Int64
	}
	return m, true, nil
}

// ProcessMetrics mirrors Metrics for the process-side aggregates: the
// subtree completeness of a process's child graph, with the split
// command/output/log metrics alongside their conjunction.
type ProcessMetrics struct {
	ID            string
	SubtreeCount  *int64
	SubtreeStored bool
	CommandStored bool
	OutputStored  bool
	LogStored     bool
}

func (ix *Indexer) ProcessMetrics(ctx context.Context, id string) (ProcessMetrics, bool, error) {
	var count sql.NullInt64
	var stored, command, output, logStored bool
	err := ix.db.QueryRowContext(ctx, `
		SELECT subtree_count, subtree_stored, command_stored, output_stored, log_stored FROM processes WHERE id = ?
	`, id).Scan(&count, &stored, &command, &output, &logStored)
	if err == sql.ErrNoRows {
		return ProcessMetrics{}, false, nil
	}
	if err != nil {
		return ProcessMetrics{}, false, terror.Wrap(terror.IO, "failed to load process metrics", err)
	}
	m := ProcessMetrics{ID: id, SubtreeStored: stored, CommandStored: command, OutputStored: output, LogStored: logStored}
	if count.Valid {
		m.SubtreeCount = &count.Int64
	}
	return m, true, nil
}
