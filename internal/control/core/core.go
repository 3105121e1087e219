// Package core is the facade feature code uses: synchronous runs, task
// submission and polling, and the command cache.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/wharf/internal/control/cache"
	"github.com/antonkrylov/wharf/internal/control/sink"
	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/transport"
)

// GlobalConfigCommand is the read used by the health check.
const GlobalConfigCommand = "config --global"

// Options tune a Core.
type Options struct {
	CacheSize     int
	CacheTTL      time.Duration
	StatusTimeout time.Duration
	Clock         func() time.Time
	Logger        *slog.Logger
	CacheObserver cache.Observer
}

// Core ties the executor, the task registry and the command cache together.
type Core struct {
	exec          transport.Executor
	tasks         *tasks.Registry
	cache         *cache.Cache
	logger        *slog.Logger
	statusTimeout time.Duration
}

func New(exec transport.Executor, reg *tasks.Registry, opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Core{
		exec:          exec,
		tasks:         reg,
		logger:        logger,
		statusTimeout: opts.StatusTimeout,
	}
	if c.statusTimeout <= 0 {
		c.statusTimeout = 5 * time.Second
	}
	cc, err := cache.New(c.RunSync, cache.Options{
		Size:       opts.CacheSize,
		DefaultTTL: opts.CacheTTL,
		Clock:      opts.Clock,
		Logger:     logger,
		Observer:   opts.CacheObserver,
	})
	if err != nil {
		return nil, err
	}
	c.cache = cc
	return c, nil
}

// Tasks exposes the registry for listing and push delivery.
func (c *Core) Tasks() *tasks.Registry {
	return c.tasks
}

// Executor returns the command channel.
func (c *Core) Executor() transport.Executor {
	return c.exec
}

// RunSync executes one command and returns its output. It blocks for the
// duration of the command and must only be used for quick reads.
func (c *Core) RunSync(ctx context.Context, command string) (string, error) {
	var (
		mu  sync.Mutex
		buf []byte
	)
	code, err := c.exec.Exec(ctx, command, func(_ string, data []byte) {
		mu.Lock()
		buf = append(buf, data...)
		mu.Unlock()
	})
	if err != nil {
		return "", err
	}
	out := sink.Decode(buf, true)
	if code != 0 {
		return "", &CommandFailedError{Command: command, ExitCode: code, Output: out}
	}
	return out, nil
}

// RunAsync submits commands as one task. An empty owner marks a global task.
func (c *Core) RunAsync(owner, description string, commands ...string) (string, error) {
	return c.tasks.Submit(commands, description, owner)
}

// RunCached serves command from the cache, running it on a miss. Only
// successful runs are cached.
func (c *Core) RunCached(ctx context.Context, command string, ttl time.Duration) (string, error) {
	return c.cache.GetOrCompute(ctx, command, ttl)
}

// Poll returns the status of a task handle.
func (c *Core) Poll(id string) (tasks.Status, error) {
	st, err := c.tasks.Status(id)
	if errors.Is(err, tasks.ErrNotFound) {
		return tasks.Status{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return st, err
}

func (c *Core) Invalidate(command string) {
	c.cache.Invalidate(command)
}

func (c *Core) InvalidateMany(commands ...string) {
	c.cache.InvalidateMany(commands)
}

// ClearAll drops every cached command output. Task output is kept.
func (c *Core) ClearAll() {
	c.cache.ClearAll()
}

// Purge removes finished tasks and their output.
func (c *Core) Purge() int {
	return c.tasks.Purge()
}

// CheckStatus evicts and recomputes the global config read within the
// status timeout. Running out of time yields ErrTimedOut, which is distinct
// from the command failing.
func (c *Core) CheckStatus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		c.cache.Invalidate(GlobalConfigCommand)
		_, err := c.cache.GetOrCompute(ctx, GlobalConfigCommand, cache.Forever)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("status check: %w after %s", ErrTimedOut, c.statusTimeout)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("status check: %w after %s", ErrTimedOut, c.statusTimeout)
		}
		return ctx.Err()
	}
}
