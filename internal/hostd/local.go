// Package hostd runs dokku command lines on the local host and serves them
// to wharf over a unix socket.
package hostd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/wharf/internal/transport"
)

// DefaultCommand is the program every command line is handed to.
const DefaultCommand = "dokku"

// Local executes each command line as the arguments of the dokku binary on
// this machine. The line is split on whitespace and never reaches a shell.
type Local struct {
	// Command defaults to DefaultCommand; it is looked up in PATH.
	Command string
	Dir     string
	// Env is appended to the daemon's own environment.
	Env       []string
	ChunkSize int
	Logger    *slog.Logger
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func (l *Local) logger() *slog.Logger {
	if l.Logger == nil {
		return discard
	}
	return l.Logger
}

func (l *Local) String() string {
	return "local"
}

// Exec implements transport.Executor. Both pipes are drained concurrently so
// a chatty stderr can never block stdout.
func (l *Local) Exec(ctx context.Context, command string, sink transport.Sink) (int, error) {
	if sink == nil {
		sink = transport.Discard
	}
	args := strings.Fields(command)
	if len(args) == 0 {
		return -1, errors.New("empty command line")
	}
	program := l.Command
	if program == "" {
		program = DefaultCommand
	}
	size := l.ChunkSize
	if size <= 0 {
		size = 1024
	}

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start: %w", err)
	}

	var mu sync.Mutex
	forward := func(stream string, data []byte) {
		mu.Lock()
		sink(stream, data)
		mu.Unlock()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go l.collectStream(&wg, transport.StreamStdout, stdoutPipe, size, forward)
	go l.collectStream(&wg, transport.StreamStderr, stderrPipe, size, forward)
	wg.Wait()

	runErr := cmd.Wait()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	code, err := exitCodeFromError(runErr)
	if err != nil {
		return -1, err
	}
	l.logger().Debug("command finished", "exit", code, "elapsed", time.Since(started))
	return code, nil
}

func (l *Local) collectStream(wg *sync.WaitGroup, stream string, pipe io.Reader, size int, forward func(string, []byte)) {
	defer wg.Done()
	buf := make([]byte, size)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			forward(stream, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				l.logger().Error("output read", "stream", stream, "err", err)
			}
			return
		}
	}
}

func exitCodeFromError(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// terminated by a signal
		return 128 + signalNumber(exitErr), nil
	}
	return -1, err
}
