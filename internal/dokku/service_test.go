package dokku

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/control/poll"
	"github.com/antonkrylov/wharf/internal/control/runner"
	"github.com/antonkrylov/wharf/internal/control/sink"
	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/records"
	"github.com/antonkrylov/wharf/internal/transport"
)

type answer struct {
	out  string
	code int
}

// dokkuHost answers commands from a table. Anything else is reported the
// way dokku reports an unknown command.
type dokkuHost struct {
	mu      sync.Mutex
	answers map[string]answer
	calls   []string
}

func (h *dokkuHost) Exec(_ context.Context, command string, sink transport.Sink) (int, error) {
	h.mu.Lock()
	h.calls = append(h.calls, command)
	a, ok := h.answers[command]
	h.mu.Unlock()
	if !ok {
		sink(transport.StreamStderr, []byte(fmt.Sprintf(" !     `%s` is not a dokku command.\n", command)))
		return 1, nil
	}
	if a.out != "" {
		sink(transport.StreamStdout, []byte(a.out))
	}
	return a.code, nil
}

func (h *dokkuHost) String() string { return "dokku-fake" }

func (h *dokkuHost) set(command, out string, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answers[command] = answer{out: out, code: code}
}

func (h *dokkuHost) count(command string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == command {
			n++
		}
	}
	return n
}

func (h *dokkuHost) history() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

type env struct {
	host    *dokkuHost
	core    *core.Core
	store   *records.Store
	svc     *Service
	machine *poll.Machine
}

func fixtures() map[string]answer {
	return map[string]answer{
		"apps:list":                {out: appsListOut},
		"config test_app":          {out: configOut},
		"config missing":           {out: " !     App missing does not exist", code: 1},
		"ps:report test_app":       {out: psReportOut},
		"ps:report missing":        {out: " !     App missing does not exist", code: 1},
		"domains:report test_app":  {out: domainsOut},
		"domains:report missing":   {out: " !     App missing does not exist", code: 1},
		"postgres:list":            {out: "=====> Postgres services\ntestapp"},
		"postgres:info testapp":    {out: postgresInfoOut},
		"postgres:info missing":    {out: " !     Postgres service missing does not exist", code: 1},
		"redis:list":               {out: "=====> Redis services\nwharf"},
		"redis:info testapp":       {out: " !     Redis service testapp does not exist", code: 1},
		"redis:info missing":       {out: " !     Redis service missing does not exist", code: 1},
		"letsencrypt:ls":           {out: letsencryptHeader},
		"buildpacks:list test_app": {out: "=====> test_app buildpack urls\n       https://github.com/heroku/heroku-buildpack-python.git"},
		"logs test_app --num 100":  {out: logsOut},
		"logs missing --num 100":   {out: " !     App missing does not exist", code: 1},
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	host := &dokkuHost{answers: fixtures()}
	out := sink.MustNew()
	reg := tasks.New(runner.New(host, out, nil), out, tasks.Options{})
	t.Cleanup(reg.Close)
	c, err := core.New(host, reg, core.Options{})
	require.NoError(t, err)
	store, err := records.NewMemoryStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := New(c, store, Options{})
	followUps := poll.NewFollowUps()
	svc.RegisterFollowUps(followUps)
	machine := poll.New(c, store, followUps, poll.Options{Interval: 10 * time.Millisecond})
	return &env{host: host, core: c, store: store, svc: svc, machine: machine}
}

// settle polls a submission until it stops waiting.
func (e *env) settle(t *testing.T, sub Submission) poll.Decision {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := e.machine.Poll(context.Background(), sub.Owner, sub.TaskID, sub.FollowUp)
		require.NoError(t, err)
		if d.Action != poll.Wait {
			return d
		}
		require.True(t, time.Now().Before(deadline), "task %s still %s", sub.TaskID, d.State)
		time.Sleep(d.RetryAfter)
	}
}

func TestAppInfo(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	v, err := e.svc.AppInfo(ctx, "test_app")
	require.NoError(t, err)
	assert.Equal(t, []string{"DOKKU_APP_RESTORE", "DOKKU_APP_TYPE", "DOKKU_PROXY_PORT"}, v.ConfigKeys)
	assert.Equal(t, "dockerfile", v.Config["DOKKU_APP_TYPE"])
	assert.Equal(t, []string{"test_app.vagrant"}, v.Domains)
	assert.Equal(t, "running", v.Process.Processes["web 1"])
	require.Len(t, v.Datastores[Postgres], 1)
	assert.Equal(t, "testapp", v.Datastores[Postgres][0]["NAME"])
	assert.Equal(t, "running", v.Datastores[Postgres][0]["Status"])
	assert.Empty(t, v.Datastores[Redis])
	assert.Nil(t, v.Letsencrypt)
	assert.Equal(t, []string{"https://github.com/heroku/heroku-buildpack-python.git"}, v.Buildpacks)
	assert.Contains(t, v.Logs, "System check identified some issues")
	assert.Contains(t, v.Errors["mariadb"], "not installed")
	assert.Len(t, v.Errors, 1)
	assert.Empty(t, v.TaskLogs)

	_, err = e.svc.AppInfo(ctx, "test_app")
	require.NoError(t, err)
	assert.Equal(t, 1, e.host.count("config test_app"))
	assert.Equal(t, 2, e.host.count("logs test_app --num 100"))

	_, err = e.store.GetApp(ctx, "test_app")
	require.NoError(t, err)
}

func TestAppInfoMissingApp(t *testing.T) {
	e := newEnv(t)

	v, err := e.svc.AppInfo(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, v.Config)
	assert.Empty(t, v.Domains)
	assert.Empty(t, v.Process.Processes)
	assert.Empty(t, v.Datastores[Postgres])
	assert.Equal(t, "!     App missing does not exist", v.Logs)
	assert.Contains(t, v.Errors, "config")
	assert.Contains(t, v.Errors, "domains")
	assert.Contains(t, v.Errors, "process")
}

func TestAppInfoStoresGitHubURL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.set("config test_app", configOut+"\nGITHUB_URL:         https://github.com/example/test_app.git", 0)

	v, err := e.svc.AppInfo(ctx, "test_app")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/example/test_app.git", v.GitHubURL)

	app, err := e.store.AppByGitHubURL(ctx, "https://github.com/example/test_app.git")
	require.NoError(t, err)
	assert.Equal(t, "test_app", app.Name)
}

func TestAppInfoAbortsOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	exec := failingExec{}
	out := sink.MustNew()
	reg := tasks.New(runner.New(exec, out, nil), out, tasks.Options{})
	defer reg.Close()
	c, err := core.New(exec, reg, core.Options{})
	require.NoError(t, err)
	store, err := records.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	_, err = New(c, store, Options{}).AppInfo(ctx, "test_app")
	require.ErrorIs(t, err, transport.ErrAuth)
}

type failingExec struct{}

func (failingExec) Exec(context.Context, string, transport.Sink) (int, error) {
	return -1, &transport.Error{Op: "auth", Target: "dokku:22", Err: transport.ErrAuth}
}

func (failingExec) String() string { return "failing" }

func TestDatastoresTabularListing(t *testing.T) {
	e := newEnv(t)
	header := fmt.Sprintf("%-12s%-16s%-10s%-15s%s", "NAME", "VERSION", "STATUS", "EXPOSED PORTS", "LINKS")
	e.host.set("postgres:list", header+"\n"+fmt.Sprintf("%-12s%-16s%-10s%-15s%s", "maindb", "postgres:11.1", "running", "-", "test_app"), 0)

	rows, err := e.svc.Datastores(context.Background(), Postgres, "test_app")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "maindb", rows[0]["NAME"])
	assert.Zero(t, e.host.count("postgres:info testapp"))
}

func TestUnreadableListingIsNotKept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.host.set("postgres:list", "NAME  garbage", 0)

	_, err := e.svc.Datastores(ctx, Postgres, "test_app")
	require.ErrorIs(t, err, ErrUnexpectedOutput)
	_, err = e.svc.Datastores(ctx, Postgres, "test_app")
	require.ErrorIs(t, err, ErrUnexpectedOutput)
	assert.Equal(t, 2, e.host.count("postgres:list"))
}

func TestRefreshApp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.AppInfo(ctx, "test_app")
	require.NoError(t, err)
	_, err = e.svc.Apps(ctx)
	require.NoError(t, err)

	e.svc.RefreshApp("test_app")
	_, err = e.svc.AppInfo(ctx, "test_app")
	require.NoError(t, err)
	_, err = e.svc.Apps(ctx)
	require.NoError(t, err)

	for _, cmd := range []string{"config test_app", "ps:report test_app", "domains:report test_app", "postgres:info testapp", "letsencrypt:ls"} {
		assert.Equal(t, 2, e.host.count(cmd), cmd)
	}
	assert.Equal(t, 1, e.host.count("apps:list"))
}
