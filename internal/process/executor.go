package process

import (
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/store"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// Executor runs a command and reports its result. The real sandbox
// (namespace/VM isolation, mount staging, network policy) is an
// out-of-scope external collaborator: the engine only needs
// this contract.
type Executor interface {
	Run(ctx context.Context, cmd *Command) (Result, error)
}

// LocalExecutor is a minimal, unsandboxed Executor that runs a command
// directly on the host with os/exec. It exists so the engine has a
// concrete, runnable collaborator for local development and the test
// suite; it does not honor Mounts, Network, or Host, and is not a
// substitute for the real sandbox.
type LocalExecutor struct {
	Store store.Store
	// Logs, if set, receives a live copy of combined stdout/stderr under
	// the process's id while the command runs, so the frontend's log
	// endpoint can tail it before Run stores the output as a blob.
	Logs *LogStore
}

func (e *LocalExecutor) Run(ctx context.Context, cmd *Command) (Result, error) {
	return e.run(ctx, "", cmd)
}

// RunLogged is the same as Run but records live output under processID
// in Logs, when configured. Runner calls this once it has a process id.
func (e *LocalExecutor) RunLogged(ctx context.Context, processID string, cmd *Command) (Result, error) {
	return e.run(ctx, processID, cmd)
}

func (e *LocalExecutor) run(ctx context.Context, processID string, cmd *Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Executable, cmd.Args...)
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	var stdout, stderr strings.Builder
	var live io.WriteCloser
	if e.Logs != nil && processID != "" {
		f, err := e.Logs.Create(processID)
		if err != nil {
			return Result{}, err
		}
		live = f
		defer live.Close()
		c.Stdout = io.MultiWriter(&stdout, live)
		c.Stderr = io.MultiWriter(&stderr, live)
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	runErr := c.Run()
	exitCode := int64(0)
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = int64(exitErr.ExitCode())
		} else {
			return Result{}, terror.Wrap(terror.IO, "failed to run local command", runErr)
		}
	}

	logID, err := e.Store.Put(ctx, object.KindLeaf, []byte(stdout.String()+stderr.String()))
	if err != nil {
		return Result{}, err
	}
	outputID, err := e.Store.Put(ctx, object.KindLeaf, []byte{})
	if err != nil {
		return Result{}, err
	}

	var resultErr error
	if exitCode != 0 {
		resultErr = terror.New(terror.Internal, "command exited non-zero")
	}
	return Result{
		ExitCode: exitCode,
		OutputID: string(outputID),
		LogID:    string(logID),
		Err:      resultErr,
	}, nil
}
