package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/wharf/internal/control/core"
	"github.com/antonkrylov/wharf/internal/control/poll"
	"github.com/antonkrylov/wharf/internal/control/runner"
	"github.com/antonkrylov/wharf/internal/control/sink"
	"github.com/antonkrylov/wharf/internal/control/tasks"
	"github.com/antonkrylov/wharf/internal/dokku"
	"github.com/antonkrylov/wharf/internal/records"
	"github.com/antonkrylov/wharf/internal/transport"
	"github.com/antonkrylov/wharf/internal/web/api"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type reply struct {
	out  string
	code int
}

// fakeHost answers from a table. Gated commands block until released or
// until the caller gives up.
type fakeHost struct {
	mu       sync.Mutex
	replies  map[string]reply
	gates    map[string]chan struct{}
	authFail bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		replies: map[string]reply{
			"apps:list":       {out: "=====> My Apps\nalpha\nbeta"},
			"config --global": {out: "=====> global env vars\nCURL_TIMEOUT: 60"},
		},
		gates: map[string]chan struct{}{},
	}
}

func (h *fakeHost) Exec(ctx context.Context, command string, sink transport.Sink) (int, error) {
	h.mu.Lock()
	r, ok := h.replies[command]
	gate := h.gates[command]
	auth := h.authFail
	h.mu.Unlock()
	if auth {
		return -1, &transport.Error{Op: "auth", Target: "dokku:22", Err: transport.ErrAuth}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if !ok {
		sink(transport.StreamStderr, []byte(fmt.Sprintf(" !     `%s` is not a dokku command.\n", command)))
		return 1, nil
	}
	sink(transport.StreamStdout, []byte(r.out))
	return r.code, nil
}

func (h *fakeHost) String() string { return "fake" }

func (h *fakeHost) set(command, out string, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replies[command] = reply{out: out, code: code}
}

func (h *fakeHost) gate(command string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{})
	h.gates[command] = ch
	return ch
}

type harness struct {
	host   *fakeHost
	server *Server
	store  *records.Store
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	host := newFakeHost()
	out := sink.MustNew()
	reg := tasks.New(runner.New(host, out, nil), out, tasks.Options{})
	t.Cleanup(reg.Close)
	c, err := core.New(host, reg, core.Options{StatusTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	store, err := records.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	features := dokku.New(c, store, dokku.Options{})
	followUps := poll.NewFollowUps()
	features.RegisterFollowUps(followUps)
	opts := Options{
		Core:      c,
		Features:  features,
		Machine:   poll.New(c, store, followUps, poll.Options{Interval: 10 * time.Millisecond}),
		Records:   store,
		PublicKey: func() (string, error) { return "ssh-ed25519 AAAAtest wharf", nil },
		Gatherer:  prometheus.NewRegistry(),
		Heartbeat: 20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return &harness{host: host, server: New(opts), store: store}
}

func (h *harness) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// until calls cond on the test goroutine until it holds.
func until(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not met in time")
		time.Sleep(10 * time.Millisecond)
	}
}

// settle polls the wait route as a JSON client until the task stops waiting.
func (h *harness) settle(t *testing.T, wait string) api.Decision {
	t.Helper()
	var d api.Decision
	until(t, func() bool {
		rec := h.do(http.MethodGet, wait, nil, "Accept", "application/json")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		d = decode[api.Decision](t, rec)
		return d.Action != poll.Wait.String()
	})
	return d
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "All good", rec.Body.String())

	h.host.set("config --global", "boom", 1)
	rec = h.do(http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	release := h.host.gate("config --global")
	defer close(release)
	rec = h.do(http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Timeout trying to get status", rec.Body.String())
}

func TestIndex(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/apps", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	idx := decode[api.Index](t, rec)
	assert.Equal(t, []string{"alpha", "beta"}, idx.Apps)
	assert.Equal(t, "60", idx.GlobalConfig["CURL_TIMEOUT"])
}

func TestRejectedKeyShowsSetupKey(t *testing.T) {
	h := newHarness(t, nil)
	h.host.mu.Lock()
	h.host.authFail = true
	h.host.mu.Unlock()
	rec := h.do(http.MethodGet, "/apps", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[api.SetupKey](t, rec)
	assert.Equal(t, "ssh-ed25519 AAAAtest wharf", body.PublicKey)
	assert.Contains(t, body.Error, "authentication failed")

	rec = h.do(http.MethodGet, "/setup-key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ssh-ed25519 AAAAtest wharf", decode[api.SetupKey](t, rec).PublicKey)
}

func TestCreateAppFollowsUp(t *testing.T) {
	h := newHarness(t, nil)
	h.host.set("apps:create new_app", "-----> Creating new_app... done\n", 0)

	rec := h.do(http.MethodPost, "/apps", map[string]string{"name": "new_app"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sub := decode[api.Submission](t, rec)
	assert.Equal(t, "new_app", sub.Owner)
	assert.Equal(t, dokku.CheckApp, sub.FollowUp)
	assert.Equal(t, sub.Wait, rec.Header().Get("Location"))

	d := h.settle(t, sub.Wait)
	assert.Equal(t, "follow_up", d.Action)
	assert.Equal(t, "/apps/new_app", d.Redirect)
	assert.Equal(t, "Created new_app", d.Message)

	rec = h.do(http.MethodGet, sub.Wait, nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/apps/new_app", rec.Header().Get("Location"))

	rec = h.do(http.MethodGet, "/logs/"+sub.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[api.LogView](t, rec)
	assert.Equal(t, "Add app new_app", view.Description)
	assert.Contains(t, view.Output, "Creating new_app... done")
	require.NotNil(t, view.Success)
	assert.True(t, *view.Success)

	rec = h.do(http.MethodPost, "/apps", map[string]string{"name": "new_app"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(http.MethodPost, "/apps", map[string]string{"name": "bad name"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPost, "/apps", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	release := h.host.gate("sleep 1")
	h.host.set("sleep 1", "slept", 0)

	rec := h.do(http.MethodPost, "/tasks", api.SubmitRequest{Commands: []string{"sleep 1"}, Description: "nap"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sub := decode[api.Submission](t, rec)
	assert.Equal(t, records.GlobalOwner, sub.Owner)
	assert.Equal(t, dokku.CheckTask, sub.FollowUp)

	rec = h.do(http.MethodGet, sub.Wait, nil, "Accept", "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Refresh"))
	d := decode[api.Decision](t, rec)
	assert.Equal(t, "wait", d.Action)
	assert.Equal(t, int64(10), d.RetryAfterMS)

	rec = h.do(http.MethodGet, "/tasks/"+sub.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[api.TaskStatus](t, rec)
	assert.False(t, st.Terminal)
	assert.Positive(t, st.RetryAfterMS)

	close(release)
	d = h.settle(t, sub.Wait)
	assert.Equal(t, "follow_up", d.Action)
	assert.Equal(t, "/", d.Redirect)
	assert.Equal(t, "slept", d.Output)

	rec = h.do(http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.Task](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "succeeded", list[0].State)
	assert.NotNil(t, list[0].Finished)
}

func TestFailedTaskStopsPolling(t *testing.T) {
	h := newHarness(t, nil)
	h.host.set("apps:create broken", " !     Name is already taken", 1)

	rec := h.do(http.MethodPost, "/apps", map[string]string{"name": "broken"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	d := h.settle(t, decode[api.Submission](t, rec).Wait)
	assert.Equal(t, "failed", d.Action)
	assert.Contains(t, d.Output, "Name is already taken")
	assert.NotEmpty(t, d.Error)
}

func TestNotFound(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/tasks/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/logs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/apps/alpha/datastores/mongo", nil).Code)

	h.host.set("true", "", 0)
	rec := h.do(http.MethodPost, "/tasks", api.SubmitRequest{Commands: []string{"true"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[api.Submission](t, rec).TaskID
	until(t, func() bool {
		return decode[api.TaskStatus](t, h.do(http.MethodGet, "/tasks/"+id, nil)).Terminal
	})
	rec = h.do(http.MethodGet, "/apps/_/wait/"+id+"/check_nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/tasks", api.SubmitRequest{}).Code)
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	h := newHarness(t, nil)
	release := h.host.gate("build")
	h.host.set("build", "\x1b[32mhello\x1b[0m\n", 0)

	rec := h.do(http.MethodPost, "/tasks", api.SubmitRequest{Commands: []string{"build"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[api.Submission](t, rec).TaskID

	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tasks/" + id + "/ws?after=" + dokku.CheckTask
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first api.Update
	require.NoError(t, conn.ReadJSON(&first))
	assert.False(t, first.Terminal)
	close(release)

	var output strings.Builder
	var last api.Update
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for !last.Terminal {
		last = api.Update{}
		require.NoError(t, conn.ReadJSON(&last))
		output.WriteString(last.Output)
	}
	assert.Equal(t, "succeeded", last.State)
	assert.Equal(t, "hello\n", output.String())
	require.NotNil(t, last.Decision)
	assert.Equal(t, "follow_up", last.Decision.Action)
	assert.Equal(t, "/", last.Decision.Redirect)
}

func TestWebhook(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/webhook", map[string]any{"zen": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h = newHarness(t, func(o *Options) { o.WebhookSecret = "s3cret" })
	rec = h.do(http.MethodPost, "/webhook", map[string]any{"zen": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No X-Hub-Signature header", rec.Body.String())

	body := []byte(`{"hook_id": 1, "hook": {"events": ["push"]}}`)
	forged := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	forged.Header.Set(dokku.SignatureHeader, "sha1=0000")
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, forged)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Invalid X-Hub-Signature", rr.Body.String())
	assert.NotContains(t, rr.Body.String(), dokku.Signature([]byte("s3cret"), body))

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(dokku.SignatureHeader, dokku.Signature([]byte("s3cret"), body))
	rr = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "All good", rr.Body.String())
}

func TestBasicAuth(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AdminUser = "admin"
		o.AdminPassword = "pw"
	})
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/apps", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/status", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/apps", nil)
	req.SetBasicAuth("admin", "pw")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshAndPurge(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/apps", nil).Code)
	h.host.set("apps:list", "=====> My Apps\ngamma", 0)
	assert.Equal(t, []string{"alpha", "beta"}, decode[api.Index](t, h.do(http.MethodGet, "/apps", nil)).Apps)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/refresh", nil).Code)
	assert.Equal(t, []string{"gamma"}, decode[api.Index](t, h.do(http.MethodGet, "/apps", nil)).Apps)

	rec := h.do(http.MethodPost, "/purge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"purged": 0}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
