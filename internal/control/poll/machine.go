// Package poll implements the caller side of a task: wait while it runs,
// hand over to a named follow-up when it succeeds, stop when it fails.
package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/records"
)

// ErrUnknownFollowUp is returned when the requested follow-up is not
// registered.
var ErrUnknownFollowUp = errors.New("unknown follow-up")

// Action is what the caller should do next.
type Action int

const (
	// Wait: show the partial output and poll again after RetryAfter.
	Wait Action = iota
	// FollowUp: the follow-up ran; go to Redirect.
	FollowUp
	// Failed: show output and error; stop polling.
	Failed
)

func (a Action) String() string {
	switch a {
	case Wait:
		return "wait"
	case FollowUp:
		return "follow_up"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of one poll.
type Decision struct {
	Action      Action
	TaskID      string
	Owner       string
	State       tasks.State
	Description string
	// Output has terminal escape sequences removed.
	Output     string
	Error      string
	RetryAfter time.Duration
	Redirect   string
	Message    string
}

// Poller reads task status; core.Core implements it.
type Poller interface {
	Poll(id string) (tasks.Status, error)
}

// TaskLogs is the durable history the machine writes through.
type TaskLogs interface {
	GetOrCreateTaskLog(ctx context.Context, log records.TaskLog) (records.TaskLog, bool, error)
	SetTaskSuccess(ctx context.Context, taskID string, success bool) (bool, error)
}

// Options tune a Machine.
type Options struct {
	// Interval is the retry delay returned while a task is running.
	Interval time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

type Machine struct {
	poller    Poller
	logs      TaskLogs
	followUps *FollowUps
	interval  time.Duration
	clockFn   func() time.Time
	logger    *slog.Logger
}

// New builds a Machine. logs may be nil.
func New(poller Poller, logs TaskLogs, followUps *FollowUps, opts Options) *Machine {
	m := &Machine{
		poller:    poller,
		logs:      logs,
		followUps: followUps,
		interval:  opts.Interval,
		clockFn:   opts.Clock,
		logger:    opts.Logger,
	}
	if m.interval <= 0 {
		m.interval = time.Second
	}
	if m.clockFn == nil {
		m.clockFn = time.Now
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.followUps == nil {
		m.followUps = NewFollowUps()
	}
	return m
}

// Interval is the delay between polls while a task is running.
func (m *Machine) Interval() time.Duration {
	return m.interval
}

// Poll advances the state machine for one request. owner is the app the
// task concerns, or records.GlobalOwner.
func (m *Machine) Poll(ctx context.Context, owner, id, after string) (Decision, error) {
	st, err := m.poller.Poll(id)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		TaskID:      id,
		Owner:       owner,
		State:       st.State,
		Description: st.Description,
		Output:      ansi.Strip(st.Output),
	}

	if owned(owner) && m.logs != nil {
		log, created, err := m.logs.GetOrCreateTaskLog(ctx, records.TaskLog{
			TaskID:      id,
			Owner:       owner,
			Description: st.Description,
			Created:     m.clockFn(),
		})
		if err != nil {
			return Decision{}, fmt.Errorf("task log %s: %w", id, err)
		}
		if created {
			m.logger.Debug("task log created on first poll", "task", id, "owner", owner)
		}
		d.Description = log.Description
		if st.Terminal {
			if _, err := m.logs.SetTaskSuccess(ctx, id, st.State == tasks.StateSucceeded); err != nil {
				m.logger.Warn("record task outcome", "task", id, "err", err)
			}
		}
	}

	switch st.State {
	case tasks.StateSucceeded:
		fu, ok := m.followUps.Lookup(after)
		if !ok {
			return Decision{}, fmt.Errorf("%w: %q", ErrUnknownFollowUp, after)
		}
		res, err := fu(ctx, owner, id)
		if err != nil {
			m.logger.Warn("follow-up failed", "task", id, "follow_up", after, "err", err)
			d.Action = Failed
			d.Error = err.Error()
			return d, nil
		}
		d.Action = FollowUp
		d.Redirect = res.Redirect
		d.Message = res.Message
	case tasks.StateFailed:
		d.Action = Failed
		d.Error = st.Error
	default:
		d.Action = Wait
		d.RetryAfter = m.interval
	}
	return d, nil
}

func owned(owner string) bool {
	return owner != "" && owner != records.GlobalOwner
}
