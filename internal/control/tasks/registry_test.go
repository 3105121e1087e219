package tasks

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/wharf/internal/control/runner"
	"github.com/antonkrylov/wharf/internal/control/sink"
	"github.com/antonkrylov/wharf/internal/transport"
)

// gated blocks every command until release is closed.
type gated struct {
	release chan struct{}
	started chan string
	running atomic.Int32
	peak    atomic.Int32
}

func newGated() *gated {
	return &gated{release: make(chan struct{}), started: make(chan string, 16)}
}

func (g *gated) Exec(_ context.Context, command string, sink transport.Sink) (int, error) {
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.started <- command
	sink(transport.StreamStdout, []byte("started "+command+"\n"))
	<-g.release
	return 0, nil
}

func (g *gated) String() string { return "gated" }

type reply struct {
	stdout string
	stderr string
	code   int
}

// scripted answers each command from a table; unknown commands succeed
// without output.
type scripted map[string]reply

func (s scripted) Exec(_ context.Context, command string, sink transport.Sink) (int, error) {
	r := s[command]
	if r.stdout != "" {
		sink(transport.StreamStdout, []byte(r.stdout))
	}
	if r.stderr != "" {
		sink(transport.StreamStderr, []byte(r.stderr))
	}
	return r.code, nil
}

func (s scripted) String() string { return "scripted" }

func newRegistry(exec transport.Executor, opts Options) (*Registry, *sink.Sink) {
	out := sink.MustNew()
	return New(runner.New(exec, out, nil), out, opts), out
}

func waitTerminal(t *testing.T, reg *Registry, id string) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = reg.Status(id)
		require.NoError(t, err)
		return st.Terminal
	}, 10*time.Second, 10*time.Millisecond)
	return st
}

func TestEndToEndFailFast(t *testing.T) {
	reg, _ := newRegistry(scripted{
		"echo A": {stdout: "A\n"},
		"false":  {code: 1},
		"echo C": {stdout: "C\n"},
	}, Options{})
	defer reg.Close()

	id, err := reg.Submit([]string{"echo A", "false", "echo C"}, "demo", "")
	require.NoError(t, err)

	st := waitTerminal(t, reg, id)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Output, "A")
	assert.NotContains(t, st.Output, "C")
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, 1, st.ExitCode)
}

func TestEndToEndSuccess(t *testing.T) {
	reg, _ := newRegistry(scripted{
		"echo one":      {stdout: "one\n"},
		"echo two 1>&2": {stderr: "two\n"},
	}, Options{})
	defer reg.Close()

	id, err := reg.Submit([]string{"echo one", "echo two 1>&2"}, "two steps", "blog")
	require.NoError(t, err)

	st := waitTerminal(t, reg, id)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Contains(t, st.Output, "one\n")
	assert.Contains(t, st.Output, "two\n")
	assert.Equal(t, "blog", st.Owner)
	assert.Equal(t, "two steps", st.Description)
}

func TestLifecyclePendingRunningTerminal(t *testing.T) {
	g := newGated()
	reg, _ := newRegistry(g, Options{Workers: 1})
	defer reg.Close()

	first, err := reg.Submit([]string{"one"}, "", "")
	require.NoError(t, err)
	second, err := reg.Submit([]string{"two"}, "", "")
	require.NoError(t, err)

	// exactly one gets the worker
	started := <-g.started
	running, queued := first, second
	if started == "two" {
		running, queued = second, first
	}
	require.Eventually(t, func() bool {
		st, _ := reg.Status(running)
		return st.State == StateRunning && strings.Contains(st.Output, "started")
	}, 5*time.Second, 5*time.Millisecond)

	st, err := reg.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
	assert.False(t, st.Terminal)
	assert.Empty(t, st.Output)

	close(g.release)
	assert.Equal(t, StateSucceeded, waitTerminal(t, reg, first).State)
	assert.Equal(t, StateSucceeded, waitTerminal(t, reg, second).State)
	assert.Equal(t, int32(1), g.peak.Load())
}

func TestUnboundedWorkersRunInParallel(t *testing.T) {
	g := newGated()
	reg, _ := newRegistry(g, Options{})
	defer reg.Close()

	for range 3 {
		_, err := reg.Submit([]string{"x"}, "", "")
		require.NoError(t, err)
	}
	for range 3 {
		<-g.started
	}
	assert.Equal(t, int32(3), g.peak.Load())
	close(g.release)
}

func TestPollTerminalIsIdempotent(t *testing.T) {
	reg, _ := newRegistry(scripted{
		"printf 'x\\ny\\n'": {stdout: "x\ny\n"},
		"exit 4":            {code: 4},
	}, Options{})
	defer reg.Close()

	id, err := reg.Submit([]string{"printf 'x\\ny\\n'", "exit 4"}, "", "")
	require.NoError(t, err)
	first := waitTerminal(t, reg, id)
	for range 5 {
		again, err := reg.Status(id)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestStatusUnknownHandle(t *testing.T) {
	reg, _ := newRegistry(scripted{}, Options{})
	_, err := reg.Status("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	reg, _ := newRegistry(scripted{}, Options{})
	_, err := reg.Submit(nil, "", "")
	require.ErrorIs(t, err, ErrNoCommands)

	reg.Close()
	_, err = reg.Submit([]string{"true"}, "", "")
	require.ErrorIs(t, err, ErrClosed)
}

func TestHooksFireOnce(t *testing.T) {
	reg, _ := newRegistry(scripted{}, Options{})
	var (
		mu       sync.Mutex
		submits  []string
		finishes []Task
	)
	reg.OnSubmit(func(t Task) {
		mu.Lock()
		submits = append(submits, t.ID)
		mu.Unlock()
	})
	reg.OnFinish(func(t Task) {
		mu.Lock()
		finishes = append(finishes, t)
		mu.Unlock()
	})
	reg.OnFinish(func(Task) { panic("hook bug") })

	id, err := reg.Submit([]string{"true"}, "", "")
	require.NoError(t, err)
	reg.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{id}, submits)
	require.Len(t, finishes, 1)
	assert.Equal(t, StateSucceeded, finishes[0].State)
	assert.False(t, finishes[0].Finished.IsZero())
}

func TestListAndPurge(t *testing.T) {
	g := newGated()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(tick.Add(1)) * time.Second) }
	reg, out := newRegistry(g, Options{Clock: clock})

	a, _ := reg.Submit([]string{"a"}, "", "blog")
	b, _ := reg.Submit([]string{"b"}, "", "shop")
	<-g.started
	<-g.started

	listed := reg.List("")
	require.Len(t, listed, 2)
	assert.Equal(t, a, listed[0].ID)
	assert.Equal(t, []Task{listed[1]}, reg.List("shop"))

	// nothing terminal yet
	assert.Equal(t, 0, reg.Purge())

	close(g.release)
	waitTerminal(t, reg, a)
	waitTerminal(t, reg, b)
	reg.Close()

	assert.Equal(t, 2, reg.Purge())
	assert.Empty(t, reg.List(""))
	assert.False(t, out.Exists(Key(a)))
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	g := newGated()
	reg, _ := newRegistry(g, Options{})
	defer reg.Close()

	id, err := reg.Submit([]string{"step"}, "", "")
	require.NoError(t, err)
	<-g.started

	var (
		mu      sync.Mutex
		updates []Update
	)
	done := make(chan error, 1)
	go func() {
		done <- reg.Watch(context.Background(), id, 0, func(u Update) error {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) > 0
	}, 5*time.Second, 5*time.Millisecond)
	close(g.release)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	last := updates[len(updates)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, StateSucceeded, last.State)
	var all strings.Builder
	for _, u := range updates {
		all.WriteString(u.Output)
	}
	assert.Equal(t, "started step\n", all.String())
}

func TestDecodePendingCarriesSplitRune(t *testing.T) {
	buf := []byte("h\xc3")
	assert.Equal(t, "h", decodePending(&buf, false))
	buf = append(buf, 0xa9)
	assert.Equal(t, "é", decodePending(&buf, false))
	assert.Empty(t, buf)
}
