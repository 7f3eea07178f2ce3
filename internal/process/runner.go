package process

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// CommandLoader resolves a command fingerprint back to its full
// definition. The process engine stores only the fingerprint on each
// row; the caller supplies the reverse lookup, typically
// backed by the object store keyed by an accompanying command object.
type CommandLoader func(ctx context.Context, commandID string) (*Command, error)

var errNoCommandLoader = terror.New(terror.Internal, "runner has no command loader configured")

// Runner pulls enqueued processes off the engine and runs them through
// an Executor, heartbeating while the command is in flight.
type Runner struct {
	engine    *Engine
	executor  Executor
	loader    CommandLoader
	logger    *slog.Logger
	heartbeat time.Duration
	logs      *LogStore

	// sem bounds how many processes run at once, rather than
	// the unbounded one-goroutine-per-dequeue fan-out a naive loop would
	// produce under load.
	sem *semaphore.Weighted
}

// NewRunner builds a Runner with the default concurrency of 8 in-flight
// processes; use WithConcurrency to change it.
func NewRunner(engine *Engine, executor Executor, loader CommandLoader, heartbeat time.Duration, logger *slog.Logger) *Runner {
	return &Runner{engine: engine, executor: executor, loader: loader, heartbeat: heartbeat, logger: logger, sem: semaphore.NewWeighted(8)}
}

// WithConcurrency overrides the fixed number of processes the runner
// executes simultaneously, and returns r for chaining at construction
// time. n <= 0 is treated as 1.
func (r *Runner) WithConcurrency(n int) *Runner {
	if n <= 0 {
		n = 1
	}
	r.sem = semaphore.NewWeighted(int64(n))
	return r
}

// WithLogs attaches a LogStore the runner cleans up once a process's
// output has been folded into the object store, and returns r for
// chaining at construction time.
func (r *Runner) WithLogs(logs *LogStore) *Runner {
	r.logs = logs
	return r
}

// Run blocks, repeatedly dequeuing and executing processes, until ctx
// is cancelled.
func (r *Runner) Run(ctx context.Context, idle time.Duration) error {
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sem.Acquire(ctx, 1); err != nil {
				continue // ctx cancelled while waiting for a free slot
			}
			p, err := r.engine.Dequeue(ctx)
			if err != nil {
				r.logger.Error("dequeue failed", "error", err)
				r.sem.Release(1)
				continue
			}
			if p == nil {
				r.sem.Release(1)
				continue
			}
			go func() {
				defer r.sem.Release(1)
				r.execute(ctx, p)
			}()
		}
	}
}

func (r *Runner) execute(ctx context.Context, p *Process) {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := r.engine.Heartbeat(ctx, p.ID); err != nil {
					return
				}
			}
		}
	}()

	cmd, err := r.loadCommand(ctx, p.CommandID)
	if err != nil {
		r.finishErr(ctx, p.ID, err)
		return
	}
	result, err := r.run(ctx, p.ID, cmd)
	if err != nil {
		r.finishErr(ctx, p.ID, err)
		return
	}
	if err := r.engine.Finish(ctx, p.ID, result); err != nil {
		r.logger.Error("failed to record process result", "process", p.ID, "error", err)
	}
	if r.logs != nil {
		if err := r.logs.Remove(p.ID); err != nil {
			r.logger.Warn("failed to clean up live log file", "process", p.ID, "error", err)
		}
	}
}

// run dispatches through RunLogged when the configured executor exposes
// it (LocalExecutor does), so the frontend can tail output before the
// process finishes; otherwise it falls back to the plain Executor
// interface, whose result is only visible once the command completes.
func (r *Runner) run(ctx context.Context, processID string, cmd *Command) (Result, error) {
	type logged interface {
		RunLogged(ctx context.Context, processID string, cmd *Command) (Result, error)
	}
	if le, ok := r.executor.(logged); ok {
		return le.RunLogged(ctx, processID, cmd)
	}
	return r.executor.Run(ctx, cmd)
}

func (r *Runner) finishErr(ctx context.Context, id string, err error) {
	if fErr := r.engine.Finish(ctx, id, Result{Err: err}); fErr != nil {
		r.logger.Error("failed to record process failure", "process", id, "error", fErr)
	}
}

func (r *Runner) loadCommand(ctx context.Context, commandID string) (*Command, error) {
	if r.loader == nil {
		return nil, errNoCommandLoader
	}
	return r.loader(ctx, commandID)
}
