package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/records"
)

type fakePoller struct {
	mu       sync.Mutex
	statuses map[string]tasks.Status
}

func (f *fakePoller) set(st tasks.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]tasks.Status)
	}
	f.statuses[st.ID] = st
}

func (f *fakePoller) Poll(id string) (tasks.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return tasks.Status{}, tasks.ErrNotFound
	}
	return st, nil
}

func newMachine(t *testing.T, poller Poller) (*Machine, *FollowUps, *records.Store) {
	t.Helper()
	store, err := records.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	fus := NewFollowUps()
	return New(poller, store, fus, Options{Interval: 750 * time.Millisecond}), fus, store
}

func TestWaitWhileRunning(t *testing.T) {
	p := &fakePoller{}
	p.set(tasks.Status{ID: "t1", State: tasks.StateRunning, Output: "\x1b[1m-----> Building\x1b[0m\n", Description: "deploy"})
	m, _, _ := newMachine(t, p)

	d, err := m.Poll(context.Background(), "blog", "t1", "check_deploy")
	require.NoError(t, err)
	assert.Equal(t, Wait, d.Action)
	assert.Equal(t, 750*time.Millisecond, d.RetryAfter)
	assert.Equal(t, "-----> Building\n", d.Output)
	assert.Equal(t, "deploy", d.Description)
}

func TestPendingAlsoWaits(t *testing.T) {
	p := &fakePoller{}
	p.set(tasks.Status{ID: "t1", State: tasks.StatePending})
	m, _, _ := newMachine(t, p)
	d, err := m.Poll(context.Background(), records.GlobalOwner, "t1", "check_global_config_set")
	require.NoError(t, err)
	assert.Equal(t, Wait, d.Action)
}

func TestSuccessRunsFollowUpWithOwnerAndHandle(t *testing.T) {
	p := &fakePoller{}
	p.set(tasks.Status{ID: "t1", State: tasks.StateSucceeded, Terminal: true, Output: "done\n"})
	m, fus, store := newMachine(t, p)

	var gotOwner, gotID string
	fus.Register("check_app", func(_ context.Context, owner, id string) (FollowUpResult, error) {
		gotOwner, gotID = owner, id
		return FollowUpResult{Redirect: "/apps/" + owner, Message: "Created " + owner}, nil
	})

	d, err := m.Poll(context.Background(), "blog", "t1", "check_app")
	require.NoError(t, err)
	assert.Equal(t, FollowUp, d.Action)
	assert.Equal(t, "/apps/blog", d.Redirect)
	assert.Equal(t, "Created blog", d.Message)
	assert.Equal(t, "blog", gotOwner)
	assert.Equal(t, "t1", gotID)

	log, err := store.GetTaskLog(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, log.Success)
	assert.True(t, *log.Success)
}

func TestFailureStopsWithoutFollowUp(t *testing.T) {
	p := &fakePoller{}
	p.set(tasks.Status{ID: "t1", State: tasks.StateFailed, Terminal: true, Output: "A\n", Error: `command 2 ("false") exited with status 1`})
	m, fus, _ := newMachine(t, p)
	called := false
	fus.Register("check_app", func(context.Context, string, string) (FollowUpResult, error) {
		called = true
		return FollowUpResult{}, nil
	})

	for range 3 {
		d, err := m.Poll(context.Background(), "blog", "t1", "check_app")
		require.NoError(t, err)
		assert.Equal(t, Failed, d.Action)
		assert.Equal(t, "A\n", d.Output)
		assert.Contains(t, d.Error, "exited with status 1")
		assert.Zero(t, d.RetryAfter)
	}
	assert.False(t, called)
}

func TestFollowUpErrorBecomesFailure(t *testing.T) {
	p := &fakePoller{}
	p.set(tasks.Status{ID: "t1", State: tasks.StateSucceeded, Terminal: true, Output: "no banner"})
	m, fus, _ := newMachine(t, p)
	fus.Register("check_postgres", func(context.Context, string, string) (FollowUpResult, error) {
		return FollowUpResult{}, errors.New("could not find banner")
	})

	d, err := m.Poll(context.Background(), "blog", "t1", "check_postgres")
	require.NoError(t, err)
	assert.Equal(t, Failed, d.Action)
	assert.Equal(t, "could not find banner", d.Error)
}

func TestUnknownFollowUpAndHandle(t *testing.T) {
	p := &fakePoller{}
	p.set(tasks.Status{ID: "t1", State: tasks.StateSucceeded, Terminal: true})
	m, _, _ := newMachine(t, p)

	_, err := m.Poll(context.Background(), "blog", "t1", "nope")
	require.ErrorIs(t, err, ErrUnknownFollowUp)

	_, err = m.Poll(context.Background(), "blog", "missing", "nope")
	require.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestFirstPollCreatesTaskLogOnce(t *testing.T) {
	p := &fakePoller{}
	p.set(tasks.Status{ID: "t1", State: tasks.StateRunning, Description: "add domain"})
	m, _, store := newMachine(t, p)
	ctx := context.Background()

	for range 3 {
		_, err := m.Poll(ctx, "blog", "t1", "check_domain")
		require.NoError(t, err)
	}
	logs, err := store.ListTaskLogs(ctx, "blog")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "add domain", logs[0].Description)
	assert.Nil(t, logs[0].Success)

	// global tasks are not recorded
	p.set(tasks.Status{ID: "g1", State: tasks.StateRunning})
	_, err = m.Poll(ctx, records.GlobalOwner, "g1", "check_global_config_set")
	require.NoError(t, err)
	_, err = store.GetTaskLog(ctx, "g1")
	require.ErrorIs(t, err, records.ErrNotFound)
}

func TestFollowUpsNames(t *testing.T) {
	fus := NewFollowUps()
	fus.Register("b", nil)
	fus.Register("a", nil)
	assert.Equal(t, []string{"a", "b"}, fus.Names())
}
