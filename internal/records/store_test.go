package records

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	created, err := s.CreateApp(ctx, "blog", "")
	require.NoError(t, err)
	require.NoError(t, s.SetGitHubURL(ctx, "blog", "https://github.com/acme/blog"))

	got, err := s.GetApp(ctx, "blog")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "https://github.com/acme/blog", got.GitHubURL)

	byURL, err := s.AppByGitHubURL(ctx, "https://github.com/acme/blog")
	require.NoError(t, err)
	assert.Equal(t, "blog", byURL.Name)

	_, err = s.CreateApp(ctx, "blog", "")
	require.Error(t, err)

	_, err = s.GetApp(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.SetGitHubURL(ctx, "missing", "x"), ErrNotFound)
}

func TestEnsureAppIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	first, err := s.EnsureApp(ctx, "shop")
	require.NoError(t, err)
	second, err := s.EnsureApp(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	apps, err := s.ListApps(ctx)
	require.NoError(t, err)
	assert.Len(t, apps, 1)
}

func TestGetOrCreateTaskLogConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	when := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		seen    []TaskLog
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log, ok, err := s.GetOrCreateTaskLog(ctx, TaskLog{
				TaskID:      "t-1",
				Owner:       "blog",
				Description: "deploy",
				Created:     when.Add(time.Duration(i) * time.Second),
			})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			seen = append(seen, log)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, log := range seen {
		assert.Equal(t, seen[0], log)
	}
	logs, err := s.ListTaskLogs(ctx, "blog")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSetTaskSuccessOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateTaskLog(ctx, TaskLog{TaskID: "t-2", Description: "refresh", Created: time.Now()}))

	log, err := s.GetTaskLog(ctx, "t-2")
	require.NoError(t, err)
	assert.Nil(t, log.Success)
	assert.Equal(t, GlobalOwner, log.Owner)

	updated, err := s.SetTaskSuccess(ctx, "t-2", false)
	require.NoError(t, err)
	assert.True(t, updated)
	updated, err = s.SetTaskSuccess(ctx, "t-2", true)
	require.NoError(t, err)
	assert.False(t, updated)

	log, err = s.GetTaskLog(ctx, "t-2")
	require.NoError(t, err)
	require.NotNil(t, log.Success)
	assert.False(t, *log.Success)
}

func TestListTaskLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateTaskLog(ctx, TaskLog{TaskID: id, Owner: "blog", Created: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, s.CreateTaskLog(ctx, TaskLog{TaskID: "g", Created: base}))

	logs, err := s.ListTaskLogs(ctx, "blog")
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "c", logs[0].TaskID)
	assert.True(t, logs[0].Created.Equal(base.Add(2*time.Minute)))

	all, err := s.ListTaskLogs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "wharf.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.CreateApp(ctx, "blog", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.GetApp(ctx, "blog")
	require.NoError(t, err)
}
