package process

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"

	dbpkg "github.com/tangramdotdev/tangram/internal/db"
	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// Engine owns the processes, process_children, and process_tokens
// tables, enforcing the state machine, the command-fingerprint cache,
// and live-graph cycle safety. Process ids are "pcs_"-tagged ULIDs so
// that dequeue-by-age never needs a secondary sort column.
type Engine struct {
	db  *sql.DB
	now func() int64
}

func New(sqlDB *sql.DB, now func() int64) *Engine {
	return &Engine{db: sqlDB, now: now}
}

// newProcessID mints a "pcs_"-tagged, time-ordered id. The constant
// kind prefix preserves ULID sort order, so dequeue-by-age stays a plain
// ORDER BY over the id column.
func newProcessID(now int64) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return string(object.KindProcess) + "_" + ulid.MustNew(ulid.Timestamp(time.UnixMilli(now)), entropy).String()
}

// SpawnOptions parameterizes Spawn.
type SpawnOptions struct {
	Parent    string // empty for a root process
	Child     ChildOptions
	Cacheable bool

	// Retry permits the process, should it finish with a retryable
	// error kind, to be respawned under a fresh id via Engine.Retry.
	Retry bool

	// ExpectedChecksum pins the checksum a cache hit (and the eventual
	// sandbox result) must be compatible with. Empty means unchecked, and
	// only matches other unchecked spawns.
	ExpectedChecksum string
}

// Spawn creates or reuses a process for cmd and returns its id and a
// fresh capability token for the caller's edge into it. If cacheable
// and a finished, non-errored process already exists for the same
// command fingerprint and a compatible expected checksum, Spawn attaches a new child edge to it instead of
// starting another build — the "at most one build per fingerprint"
// guarantee.
func (e *Engine) Spawn(ctx context.Context, cmd *Command, opts SpawnOptions) (id string, token string, err error) {
	fingerprint := cmd.Fingerprint()
	now := e.now()

	if opts.Cacheable {
		var existing string
		err := e.db.QueryRowContext(ctx, `
			SELECT id FROM processes
			WHERE command_id = ? AND status = 'finished' AND error_kind IS NULL AND cacheable = TRUE
			      AND expected_checksum = ?
			ORDER BY finished_at ASC LIMIT 1
		`, string(fingerprint), opts.ExpectedChecksum).Scan(&existing)
		if err == nil {
			token, err := e.attach(ctx, opts.Parent, existing, opts.Child, now)
			return existing, token, err
		}
		if err != sql.ErrNoRows {
			return "", "", terror.Wrap(terror.IO, "failed to probe process cache", err)
		}
	}

	id = newProcessID(now)
	if err := dbpkg.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processes (id, command_id, status, cacheable, retry, expected_checksum, created_at, depth, transaction_id, touched_at)
			VALUES (?, ?, 'enqueued', ?, ?, ?, ?, 0, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM processes), ?)
		`, id, string(fingerprint), opts.Cacheable, opts.Retry, opts.ExpectedChecksum, now, now); err != nil {
			return terror.Wrap(terror.IO, "failed to insert process row", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO index_queue (kind, target_id, transaction_id)
			VALUES ('process', ?, (SELECT transaction_id FROM processes WHERE id = ?))
		`, id, id); err != nil {
			return terror.Wrap(terror.IO, "failed to enqueue process index event", err)
		}
		// The new row's command pointer retains the command object
		// against the cleaner for as long as the process row exists.
		if _, err := tx.ExecContext(ctx, `
			UPDATE objects SET reference_count = reference_count + 1 WHERE id = ?
		`, string(fingerprint)); err != nil {
			return terror.Wrap(terror.IO, "failed to retain command object", err)
		}
		return nil
	}); err != nil {
		return "", "", err
	}

	if opts.Parent != "" {
		token, err = e.linkChild(ctx, opts.Parent, id, opts.Child, now)
		if err != nil {
			return "", "", err
		}
		return id, token, nil
	}
	token, err = e.mintToken(ctx, id)
	if err != nil {
		return "", "", err
	}
	return id, token, nil
}

func (e *Engine) attach(ctx context.Context, parent, child string, opts ChildOptions, now int64) (string, error) {
	if parent == "" {
		return e.mintToken(ctx, child)
	}
	return e.linkChild(ctx, parent, child, opts, now)
}

// AddChild links two already-existing processes, for callers that want
// to reference a process a second time without respawning it.
func (e *Engine) AddChild(ctx context.Context, parent, child string, opts ChildOptions) (string, error) {
	return e.linkChild(ctx, parent, child, opts, e.now())
}

// linkChild adds a parent/child edge, rejecting it if it would create a
// cycle in the live process graph and otherwise propagating depth.
func (e *Engine) linkChild(ctx context.Context, parent, child string, opts ChildOptions, now int64) (string, error) {
	if parent == child {
		return "", terror.New(terror.Cycle, fmt.Sprintf("process %s cannot be its own child", parent))
	}
	reachable, err := e.reachable(ctx, child, parent)
	if err != nil {
		return "", err
	}
	if reachable {
		return "", terror.New(terror.Cycle, fmt.Sprintf("adding %s as a child of %s would create a cycle", child, parent))
	}

	var position int64
	if err := e.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM process_children WHERE parent = ?`, parent).Scan(&position); err != nil {
		return "", terror.Wrap(terror.IO, "failed to compute child position", err)
	}

	token, err := e.mintTokenValue()
	if err != nil {
		return "", err
	}
	if err := dbpkg.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO process_children (parent, position, child, options, token) VALUES (?, ?, ?, ?, ?)
		`, parent, position, child, encodeChildOptions(opts), token); err != nil {
			return terror.Wrap(terror.IO, "failed to insert process child edge", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_tokens (token, process_id) VALUES (?, ?)`, token, child); err != nil {
			return terror.Wrap(terror.IO, "failed to register process token", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE processes SET token_count = token_count + 1 WHERE id = ?`, child); err != nil {
			return terror.Wrap(terror.IO, "failed to bump token count", err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	// The new edge can only change parent's own depth (it gains a child
	// it didn't have before); propagateDepth recomputes parent bottom-up
	// from its children and cascades further upward if that changes it.
	if err := e.propagateDepth(ctx, parent); err != nil {
		return "", err
	}
	if _, err := e.db.ExecContext(ctx, `
		INSERT INTO index_queue (kind, target_id, transaction_id)
		VALUES ('process', ?, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM index_queue))
	`, parent); err != nil {
		return "", terror.Wrap(terror.IO, "failed to enqueue parent after linking child", err)
	}
	return token, nil
}

// reachable reports whether to is reachable from the child-edges rooted
// at from, the DFS check run before any new edge is accepted.
func (e *Engine) reachable(ctx context.Context, from, to string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true, nil
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		rows, err := e.db.QueryContext(ctx, `SELECT child FROM process_children WHERE parent = ?`, n)
		if err != nil {
			return false, terror.Wrap(terror.IO, "failed to walk process graph", err)
		}
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				rows.Close()
				return false, terror.Wrap(terror.IO, "failed to scan process child", err)
			}
			stack = append(stack, c)
		}
		rows.Close()
	}
	return false, nil
}

// recomputeDepth sets id's own depth from the depths of id's own
// children, mirroring the object indexer's own bottom-up
// recompute-from-children pattern (internal/index/index.go's
// reindexObject/reindexProcess). It reports whether the stored value
// changed.
func (e *Engine) recomputeDepth(ctx context.Context, id string) (bool, error) {
	var maxChildDepth sql.NullInt64
	if err := e.db.QueryRowContext(ctx, `
		SELECT MAX(p.depth) FROM process_children pc JOIN processes p ON p.id = pc.child
		WHERE pc.parent = ?
	`, id).Scan(&maxChildDepth); err != nil {
		return false, terror.Wrap(terror.IO, "failed to compute child depth", err)
	}
	newDepth := int64(0)
	if maxChildDepth.Valid {
		newDepth = maxChildDepth.Int64 + 1
	}

	var oldDepth int64
	if err := e.db.QueryRowContext(ctx, `SELECT depth FROM processes WHERE id = ?`, id).Scan(&oldDepth); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, terror.Wrap(terror.IO, "failed to read process depth", err)
	}
	if newDepth == oldDepth {
		return false, nil
	}
	if _, err := e.db.ExecContext(ctx, `UPDATE processes SET depth = ? WHERE id = ?`, newDepth, id); err != nil {
		return false, terror.Wrap(terror.IO, "failed to update process depth", err)
	}
	return true, nil
}

// propagateDepth recomputes id's own depth from its children and, if
// that changes it, cascades the same recomputation up through id's
// parents, terminating when a pass changes nothing. Called with the
// node whose child set just changed (linkChild's parent) or that just
// finished (Finish's id) — either way depth flows upward from there,
// never down.
func (e *Engine) propagateDepth(ctx context.Context, id string) error {
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		changed, err := e.recomputeDepth(ctx, cur)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}

		rows, err := e.db.QueryContext(ctx, `SELECT parent FROM process_children WHERE child = ?`, cur)
		if err != nil {
			return terror.Wrap(terror.IO, "failed to enumerate parents for depth propagation", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return terror.Wrap(terror.IO, "failed to scan parent during depth propagation", err)
			}
			queue = append(queue, p)
		}
		rows.Close()
	}
	return nil
}

func (e *Engine) mintToken(ctx context.Context, processID string) (string, error) {
	token, err := e.mintTokenValue()
	if err != nil {
		return "", err
	}
	if err := dbpkg.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO process_tokens (token, process_id) VALUES (?, ?)`, token, processID); err != nil {
			return terror.Wrap(terror.IO, "failed to register root process token", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE processes SET token_count = token_count + 1 WHERE id = ?`, processID); err != nil {
			return terror.Wrap(terror.IO, "failed to bump token count", err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	return token, nil
}

func (e *Engine) mintTokenValue() (string, error) {
	return uuid.New().String(), nil
}

// Dequeue claims the oldest enqueued process that still has a live
// token (FIFO over ULID order) and transitions it to started,
// returning nil with no error if nothing is ready. A tokenless
// enqueued process is awaiting cancellation, not execution.
func (e *Engine) Dequeue(ctx context.Context) (*Process, error) {
	var id string
	err := e.db.QueryRowContext(ctx, `
		SELECT id FROM processes WHERE status = 'enqueued' AND token_count > 0 ORDER BY id ASC LIMIT 1
	`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, terror.Wrap(terror.IO, "failed to query enqueued processes", err)
	}
	now := e.now()
	res, err := e.db.ExecContext(ctx, `
		UPDATE processes SET status = 'started', started_at = ?, heartbeat_at = ? WHERE id = ? AND status = 'enqueued'
	`, now, now, id)
	if err != nil {
		return nil, terror.Wrap(terror.IO, "failed to claim process", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost the race to another worker
		return nil, nil
	}
	return e.Get(ctx, id)
}

// Get loads a process by id.
func (e *Engine) Get(ctx context.Context, id string) (*Process, error) {
	p := &Process{}
	var started, finished, heartbeat, exitCode sql.NullInt64
	var outputID, logID, errKind, errMsg, expectedSum, actualSum sql.NullString
	err := e.db.QueryRowContext(ctx, `
		SELECT id, command_id, status, cacheable, retry, created_at, started_at, finished_at, heartbeat_at,
		       exit_code, output_id, log_id, error_kind, error_message, expected_checksum, actual_checksum,
		       depth, token_count
		FROM processes WHERE id = ?
	`, id).Scan(&p.ID, &p.CommandID, &p.Status, &p.Cacheable, &p.Retry, &p.CreatedAt, &started, &finished, &heartbeat,
		&exitCode, &outputID, &logID, &errKind, &errMsg, &expectedSum, &actualSum, &p.Depth, &p.TokenCount)
	if err == sql.ErrNoRows {
		return nil, terror.New(terror.NotFound, fmt.Sprintf("process %s not found", id))
	}
	if err != nil {
		return nil, terror.Wrap(terror.IO, "failed to load process", err)
	}
	if started.Valid {
		p.StartedAt = &started.Int64
	}
	if finished.Valid {
		p.FinishedAt = &finished.Int64
	}
	if heartbeat.Valid {
		p.HeartbeatAt = &heartbeat.Int64
	}
	if exitCode.Valid {
		p.ExitCode = &exitCode.Int64
	}
	p.OutputID, p.LogID, p.ErrorKind, p.ErrorMessage = outputID.String, logID.String, errKind.String, errMsg.String
	p.ExpectedChecksum, p.ActualChecksum = expectedSum.String, actualSum.String
	return p, nil
}

// Heartbeat renews id's liveness, the watchdog's proof of forward
// progress.
func (e *Engine) Heartbeat(ctx context.Context, id string) error {
	res, err := e.db.ExecContext(ctx, `UPDATE processes SET heartbeat_at = ? WHERE id = ? AND status = 'started'`, e.now(), id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to record heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return terror.New(terror.NotFound, fmt.Sprintf("process %s is not running", id))
	}
	return nil
}

// Finish records a sandbox result and marks the process finished,
// closing it out of the scheduler forever.
func (e *Engine) Finish(ctx context.Context, id string, result Result) error {
	now := e.now()
	var errKind, errMsg any
	if result.Err != nil {
		errKind, errMsg = string(terror.KindOf(result.Err)), result.Err.Error()
	}
	res, err := e.db.ExecContext(ctx, `
		UPDATE processes
		SET status = 'finished', finished_at = ?, exit_code = ?, output_id = ?, log_id = ?,
		    actual_checksum = ?, error_kind = ?, error_message = ?
		WHERE id = ? AND status != 'finished'
	`, now, result.ExitCode, result.OutputID, result.LogID, result.ActualChecksum, errKind, errMsg, id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to finish process", err)
	}
	// The output and log pointers written above retain their objects
	// against the cleaner. Only the finish that actually landed counts:
	// a second Finish on an already-terminal process writes nothing.
	if n, _ := res.RowsAffected(); n > 0 {
		for _, ref := range []string{result.OutputID, result.LogID} {
			if ref == "" {
				continue
			}
			if _, err := e.db.ExecContext(ctx, `
				UPDATE objects SET reference_count = reference_count + 1 WHERE id = ?
			`, ref); err != nil {
				return terror.Wrap(terror.IO, "failed to retain process result object", err)
			}
		}
	}
	// A finish is the second depth-propagation trigger besides linkChild:
	// recompute id's own depth (fixing a childless process to 0) and
	// cascade to its parents.
	if err := e.propagateDepth(ctx, id); err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO index_queue (kind, target_id, transaction_id)
		VALUES ('process', ?, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM index_queue))
	`, id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to enqueue process after finishing", err)
	}
	return nil
}

// DropToken revokes a single edge's token. If it was the last live token
// referencing a non-finished process, the process is cancelled: a
// process lives only as long as some token references it.
func (e *Engine) DropToken(ctx context.Context, token string) error {
	var processID string
	if err := e.db.QueryRowContext(ctx, `SELECT process_id FROM process_tokens WHERE token = ?`, token).Scan(&processID); err != nil {
		if err == sql.ErrNoRows {
			return terror.New(terror.NotFound, "token not found")
		}
		return terror.Wrap(terror.IO, "failed to look up token", err)
	}
	if err := dbpkg.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM process_tokens WHERE token = ?`, token); err != nil {
			return terror.Wrap(terror.IO, "failed to drop token", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE processes SET token_count = token_count - 1 WHERE id = ? AND token_count > 0
		`, processID); err != nil {
			return terror.Wrap(terror.IO, "failed to decrement token count", err)
		}
		return nil
	}); err != nil {
		return err
	}
	var remaining int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_tokens WHERE process_id = ?`, processID).Scan(&remaining); err != nil {
		return terror.Wrap(terror.IO, "failed to count remaining tokens", err)
	}
	if remaining > 0 {
		return nil
	}
	_, err := e.db.ExecContext(ctx, `
		UPDATE processes SET status = 'finished', finished_at = ?, error_kind = ?, error_message = ?
		WHERE id = ? AND status != 'finished'
	`, e.now(), string(terror.Cancelled), "process cancelled: no remaining tokens", processID)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to cancel process", err)
	}
	return nil
}

// Cancel force-finishes a non-finished process regardless of how many
// tokens still reference it. Cancelling an already-finished process is
// a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	res, err := e.db.ExecContext(ctx, `
		UPDATE processes SET status = 'finished', finished_at = ?, error_kind = ?, error_message = ?
		WHERE id = ? AND status != 'finished'
	`, e.now(), string(terror.Cancelled), "process cancelled", id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to cancel process", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := e.Get(ctx, id); err != nil {
			return err
		}
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO index_queue (kind, target_id, transaction_id)
		VALUES ('process', ?, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM index_queue))
	`, id)
	if err != nil {
		return terror.Wrap(terror.IO, "failed to enqueue process after cancelling", err)
	}
	return nil
}

// Retry respawns a finished, errored process under a fresh id carrying
// forward the same command and parent linkage. The process must have
// been spawned with the retry flag, and only a retryable error kind
// (io, timeout, unavailable) may be retried; cycle, invalid_id,
// unsolved, not_found, and internal failures must be surfaced
// immediately, not resurrected.
func (e *Engine) Retry(ctx context.Context, id string) (newID string, token string, err error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	if p.Status != StatusFinished || p.ErrorKind == "" {
		return "", "", terror.New(terror.Internal, fmt.Sprintf("process %s is not a failed, finished process", id))
	}
	if !p.Retry {
		return "", "", terror.New(terror.Internal, fmt.Sprintf("process %s was not spawned with the retry flag", id))
	}
	if !terror.Kind(p.ErrorKind).Retryable() {
		return "", "", terror.New(terror.Internal, fmt.Sprintf("process %s failed with non-retryable error kind %q", id, p.ErrorKind))
	}

	newID = newProcessID(e.now())
	if err := dbpkg.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processes (id, command_id, status, cacheable, retry, expected_checksum, created_at, depth, transaction_id, touched_at)
			VALUES (?, ?, 'enqueued', ?, TRUE, ?, ?, ?, (SELECT COALESCE(MAX(transaction_id), 0) + 1 FROM processes), ?)
		`, newID, p.CommandID, p.Cacheable, p.ExpectedChecksum, e.now(), p.Depth, e.now()); err != nil {
			return terror.Wrap(terror.IO, "failed to insert retry process row", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO index_queue (kind, target_id, transaction_id)
			VALUES ('process', ?, (SELECT transaction_id FROM processes WHERE id = ?))
		`, newID, newID); err != nil {
			return terror.Wrap(terror.IO, "failed to enqueue retry index event", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE objects SET reference_count = reference_count + 1 WHERE id = ?
		`, p.CommandID); err != nil {
			return terror.Wrap(terror.IO, "failed to retain command object", err)
		}
		return nil
	}); err != nil {
		return "", "", err
	}

	// The retry inherits the failed process's parent linkage: every
	// parent edge into the old process gets a sibling edge into the new
	// one, preserving the edge's recorded options.
	parents, err := e.parentEdges(ctx, id)
	if err != nil {
		return "", "", err
	}
	for _, edge := range parents {
		if _, err := e.linkChild(ctx, edge.parent, newID, edge.options, e.now()); err != nil {
			return "", "", err
		}
	}
	token, err = e.mintToken(ctx, newID)
	return newID, token, err
}

type parentEdge struct {
	parent  string
	options ChildOptions
}

func (e *Engine) parentEdges(ctx context.Context, child string) ([]parentEdge, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT parent, options FROM process_children WHERE child = ?`, child)
	if err != nil {
		return nil, terror.Wrap(terror.IO, "failed to list parent edges", err)
	}
	defer rows.Close()
	var out []parentEdge
	for rows.Next() {
		var parent, raw string
		if err := rows.Scan(&parent, &raw); err != nil {
			return nil, terror.Wrap(terror.IO, "failed to scan parent edge", err)
		}
		out = append(out, parentEdge{parent: parent, options: decodeChildOptions(raw)})
	}
	return out, nil
}

func encodeChildOptions(opts ChildOptions) string {
	if opts.Network {
		return `{"network":true}`
	}
	return `{}`
}

func decodeChildOptions(raw string) ChildOptions {
	var opts struct {
		Network bool `json:"network"`
	}
	_ = json.Unmarshal([]byte(raw), &opts)
	return ChildOptions{Network: opts.Network}
}
