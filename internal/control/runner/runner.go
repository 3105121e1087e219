// Package runner executes a command sequence with fail-fast semantics,
// writing every output chunk into the sink under one key.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/antonkrylov/wharf/internal/control/sink"
	"github.com/antonkrylov/wharf/internal/transport"
)

// CommandFailedError reports the command that stopped a sequence.
type CommandFailedError struct {
	Index    int
	Command  string
	ExitCode int
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %d (%q) exited with status %d", e.Index+1, e.Command, e.ExitCode)
}

// Result is the outcome of one sequence.
type Result struct {
	Output   []byte
	ExitCode int
	// Failed is the index of the command that stopped the sequence, or -1.
	Failed int
}

// Runner drives an executor and a sink.
type Runner struct {
	exec   transport.Executor
	out    *sink.Sink
	logger *slog.Logger
}

func New(exec transport.Executor, out *sink.Sink, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{exec: exec, out: out, logger: logger}
}

// Run initialises key, then executes commands in order. The first non-zero
// exit stops the sequence and is returned as *CommandFailedError; a channel
// failure is returned as the transport error. Output accumulated up to and
// including the failing command stays under key either way.
func (r *Runner) Run(ctx context.Context, key string, commands []string) (Result, error) {
	r.out.Init(key)
	res := Result{Failed: -1}
	sinkFn := func(stream string, data []byte) {
		r.out.Append(key, stream, data)
	}
	for i, command := range commands {
		started := time.Now()
		code, err := r.exec.Exec(ctx, command, sinkFn)
		r.logger.Debug("command done", "key", key, "index", i, "exit", code, "elapsed", time.Since(started), "err", err)
		if err != nil {
			res.Failed = i
			res.ExitCode = -1
			res.Output = r.out.Read(key)
			return res, err
		}
		res.ExitCode = code
		if code != 0 {
			res.Failed = i
			res.Output = r.out.Read(key)
			return res, &CommandFailedError{Index: i, Command: command, ExitCode: code}
		}
	}
	res.Output = r.out.Read(key)
	return res, nil
}
