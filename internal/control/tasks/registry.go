// Package tasks accepts command sequences, runs them asynchronously and
// answers status queries by handle.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/wharf/internal/control/runner"
	"github.com/antonkrylov/wharf/internal/control/sink"
)

// State of a task. Terminal states are never left.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether s is succeeded or failed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var (
	ErrNotFound   = errors.New("task not found")
	ErrNoCommands = errors.New("at least one command is required")
	ErrClosed     = errors.New("registry is closed")
)

// Task is a snapshot of one submission.
type Task struct {
	ID          string
	Commands    []string
	Description string
	// Owner is the app the task concerns; empty for global tasks.
	Owner    string
	State    State
	ExitCode int
	Error    string
	Created  time.Time
	Started  time.Time
	Finished time.Time
}

// Status is what a poller sees.
type Status struct {
	ID          string
	State       State
	Output      string
	Terminal    bool
	Error       string
	ExitCode    int
	Description string
	Owner       string
}

// Options tune a Registry.
type Options struct {
	// Workers bounds concurrently running tasks; 0 means unbounded.
	Workers int
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Registry owns task records. Output lives in the sink under Key(id).
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	closed bool

	runner  *runner.Runner
	out     *sink.Sink
	logger  *slog.Logger
	clockFn func() time.Time
	sem     chan struct{}

	hookMu   sync.RWMutex
	onSubmit []func(Task)
	onFinish []func(Task)

	dispatchGroup sync.WaitGroup
}

// Key is the sink key holding a task's output.
func Key(id string) string {
	return "task:" + id
}

func New(r *runner.Runner, out *sink.Sink, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	reg := &Registry{
		tasks:   make(map[string]*Task),
		runner:  r,
		out:     out,
		logger:  logger,
		clockFn: clock,
	}
	if opts.Workers > 0 {
		reg.sem = make(chan struct{}, opts.Workers)
	}
	return reg
}

// OnSubmit registers fn to run after every accepted submission.
func (r *Registry) OnSubmit(fn func(Task)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onSubmit = append(r.onSubmit, fn)
}

// OnFinish registers fn to run once per task when it becomes terminal.
func (r *Registry) OnFinish(fn func(Task)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onFinish = append(r.onFinish, fn)
}

// Close stops accepting work and waits for in-flight tasks.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.dispatchGroup.Wait()
}

// Submit records a task and dispatches it without waiting for a worker.
func (r *Registry) Submit(commands []string, description, owner string) (string, error) {
	if len(commands) == 0 {
		return "", ErrNoCommands
	}
	task := &Task{
		ID:          uuid.NewString(),
		Commands:    append([]string(nil), commands...),
		Description: description,
		Owner:       owner,
		State:       StatePending,
		Created:     r.clockFn(),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.tasks[task.ID] = task
	r.dispatchGroup.Add(1)
	snapshot := *task
	r.mu.Unlock()

	// Pollers arriving before the worker starts see an empty buffer rather
	// than "not found".
	r.out.Init(Key(task.ID))
	go r.dispatch(task.ID)
	r.logger.Info("task submitted", "task", task.ID, "owner", owner, "description", description, "commands", len(commands))
	r.runHooks(r.onSubmitHooks(), snapshot)
	return task.ID, nil
}

func (r *Registry) dispatch(id string) {
	defer r.dispatchGroup.Done()
	if r.sem != nil {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
	}
	commands, ok := r.markRunning(id)
	if !ok {
		r.logger.Error("dispatch skipped", "task", id)
		return
	}

	var (
		res runner.Result
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task panicked: %v", p)
			}
		}()
		// Tasks are not cancellable: a caller that stops polling does not stop
		// the remote command.
		res, err = r.runner.Run(context.Background(), Key(id), commands)
	}()

	if err != nil {
		r.logger.Warn("task failed", "task", id, "err", err)
		r.finish(id, StateFailed, res.ExitCode, err.Error())
		return
	}
	r.logger.Info("task succeeded", "task", id)
	r.finish(id, StateSucceeded, res.ExitCode, "")
}

func (r *Registry) markRunning(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.State != StatePending {
		return nil, false
	}
	task.State = StateRunning
	task.Started = r.clockFn()
	return append([]string(nil), task.Commands...), true
}

func (r *Registry) finish(id string, state State, code int, detail string) {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.State.Terminal() {
		r.mu.Unlock()
		return
	}
	task.State = state
	task.ExitCode = code
	task.Error = detail
	task.Finished = r.clockFn()
	snapshot := *task
	r.mu.Unlock()

	r.out.CloseKey(Key(id))
	r.runHooks(r.onFinishHooks(), snapshot)
}

func (r *Registry) onSubmitHooks() []func(Task) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([](func(Task))(nil), r.onSubmit...)
}

func (r *Registry) onFinishHooks() []func(Task) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	return append([](func(Task))(nil), r.onFinish...)
}

func (r *Registry) runHooks(hooks []func(Task), t Task) {
	for _, fn := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("task hook panicked", "task", t.ID, "panic", p)
				}
			}()
			fn(t)
		}()
	}
}

// Get returns a snapshot of the task record.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	out := *task
	out.Commands = append([]string(nil), task.Commands...)
	return out, nil
}

// Status reads the current state and whatever output exists. It never
// blocks on the task.
func (r *Registry) Status(id string) (Status, error) {
	task, err := r.Get(id)
	if err != nil {
		return Status{}, err
	}
	terminal := task.State.Terminal()
	return Status{
		ID:          task.ID,
		State:       task.State,
		Output:      r.out.Text(Key(id), terminal),
		Terminal:    terminal,
		Error:       task.Error,
		ExitCode:    task.ExitCode,
		Description: task.Description,
		Owner:       task.Owner,
	}, nil
}

// List returns tasks oldest first. An empty owner lists every task.
func (r *Registry) List(owner string) []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if owner != "" && task.Owner != owner {
			continue
		}
		out = append(out, *task)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Purge drops terminal tasks and their output, returning how many were
// removed. Running tasks are left alone.
func (r *Registry) Purge() int {
	r.mu.Lock()
	var ids []string
	for id, task := range r.tasks {
		if task.State.Terminal() {
			ids = append(ids, id)
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.out.Clear(Key(id))
	}
	if len(ids) > 0 {
		r.logger.Info("purged tasks", "count", len(ids))
	}
	return len(ids)
}
