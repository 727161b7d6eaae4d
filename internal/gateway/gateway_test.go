// ABOUTME: Tests for the HTTP API and gateway lifecycle
// ABOUTME: Drives real requests through httptest against a SQLite-backed gateway

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/catalog"
	"github.com/2389/coven-runstore/internal/config"
	"github.com/2389/coven-runstore/internal/events"
	"github.com/2389/coven-runstore/internal/runner"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "runstore.db")},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Runs:     config.RunsConfig{PersistTimeout: 5 * time.Second},
		Agent:    config.AgentConfig{ChunkSize: 8},
	}
}

type testEnv struct {
	gw  *Gateway
	srv *httptest.Server
	jwt *auth.JWTVerifier
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	gw, err := New(t.Context(), testConfig(t), testLogger(), opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	return &testEnv{gw: gw, srv: srv, jwt: v}
}

func (e *testEnv) token(t *testing.T, claims auth.Claims) string {
	t.Helper()
	tok, err := e.jwt.Generate(claims, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if s, ok := body.(string); ok {
		r = strings.NewReader(s)
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type sseEvent struct {
	Name string
	Data string
}

// readSSE reads one event from r, or returns false at EOF.
func readSSE(t *testing.T, r *bufio.Reader) (sseEvent, bool) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, false
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.Name != "":
			return ev, true
		}
	}
}

func readAllSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	r := bufio.NewReader(resp.Body)
	var out []sseEvent
	for {
		ev, ok := readSSE(t, r)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func decodeEvent(t *testing.T, ev sseEvent) events.Event {
	t.Helper()
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &e))
	return e
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func userMessage(id, content string) map[string]any {
	return map[string]any{"messages": []events.Message{{ID: id, Role: events.RoleUser, Content: content}}}
}

// blockingFactory returns agents that start and then wait to be aborted.
func blockingFactory() func() runner.Agent {
	return func() runner.Agent {
		return runner.NewFuncAgent(func(ctx context.Context, in runner.AgentInput, cb runner.Callbacks) error {
			cb.OnRunStartedEvent(events.Event{Type: events.TypeRunStarted, ThreadID: in.ThreadID, RunID: in.RunID})
			<-ctx.Done()
			return ctx.Err()
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/threads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/threads", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRun_StreamsAndPersists(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})

	resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, userMessage("u1", "ping"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	evs := readAllSSE(t, resp)
	require.NotEmpty(t, evs)
	assert.Equal(t, string(events.TypeRunStarted), evs[0].Name)
	assert.Equal(t, string(events.TypeRunFinished), evs[len(evs)-1].Name)
	started := decodeEvent(t, evs[0])
	assert.Equal(t, "t1", started.ThreadID)

	resp = env.do(t, http.MethodGet, "/api/threads/t1", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var md catalog.ThreadMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	assert.Equal(t, "t1", md.ThreadID)
	assert.Equal(t, "ping", md.Preview)
	assert.Equal(t, 2, md.MessageCount)
	assert.Equal(t, 1, md.RunCount)
	assert.False(t, md.IsRunning)
	assert.Equal(t, "alice", md.ResourceID)
}

func TestRun_ForeignThreadIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})
	bob := env.token(t, auth.Claims{Subject: "bob"})

	readAllSSE(t, env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, userMessage("u1", "hi")))

	resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", bob, userMessage("u2", "mine now"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, auth.ErrUnauthorized.Error(), errorBody(t, resp))

	resp = env.do(t, http.MethodGet, "/api/threads/t1", bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/threads/t1/events", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readAllSSE(t, resp))

	resp = env.do(t, http.MethodDelete, "/api/threads/t1", bob, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/threads/t1", alice, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRun_AdminTokenCannotCreate(t *testing.T) {
	env := newTestEnv(t)
	admin := env.token(t, auth.Claims{Subject: "ops", Admin: true})

	resp := env.do(t, http.MethodPost, "/api/threads/fresh/runs", admin, userMessage("u1", "hi"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, auth.ErrNullScopeCreate.Error(), errorBody(t, resp))
}

func TestRun_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{name: "invalid json", body: "{", wantErr: "invalid JSON body"},
		{name: "missing id", body: `{"messages":[{"role":"user"}]}`, wantErr: "messages[0].id is required"},
		{name: "missing role", body: `{"messages":[{"id":"u1"}]}`, wantErr: "messages[0].role is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.wantErr, errorBody(t, resp))
		})
	}
}

func TestRun_ConflictAndStop(t *testing.T) {
	env := newTestEnv(t, WithAgentFactory(blockingFactory()))
	alice := env.token(t, auth.Claims{Subject: "alice"})

	first := env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, userMessage("u1", "long job"))
	require.Equal(t, http.StatusOK, first.StatusCode)
	r := bufio.NewReader(first.Body)
	ev, ok := readSSE(t, r)
	require.True(t, ok)
	assert.Equal(t, string(events.TypeRunStarted), ev.Name)

	resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, userMessage("u2", "again"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, runner.ErrThreadRunning.Error(), errorBody(t, resp))

	resp = env.do(t, http.MethodGet, "/api/threads/t1", alice, nil)
	var md catalog.ThreadMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	assert.True(t, md.IsRunning)

	resp = env.do(t, http.MethodPost, "/api/threads/t1/stop", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stop StopResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stop))
	assert.True(t, stop.Stopped)

	var last sseEvent
	for {
		ev, ok := readSSE(t, r)
		if !ok {
			break
		}
		last = ev
	}
	assert.Equal(t, string(events.TypeRunError), last.Name)
	assert.Equal(t, events.CodeStopped, decodeEvent(t, last).Code)

	resp = env.do(t, http.MethodPost, "/api/threads/t1/stop", alice, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stop))
	assert.False(t, stop.Stopped)
}

func TestStop_UnknownThread(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})

	resp := env.do(t, http.MethodPost, "/api/threads/nope/stop", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRun_DuplicateRunIDRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})
	body := map[string]any{"runId": "r1", "messages": []events.Message{{ID: "u1", Role: events.RoleUser, Content: "hi"}}}

	resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readAllSSE(t, resp)

	resp = env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "run already submitted", errorBody(t, resp))
}

func TestRun_RunIDReusedOnAnotherThread(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})
	body := map[string]any{"runId": "r1", "messages": []events.Message{{ID: "u1", Role: events.RoleUser, Content: "hi"}}}

	resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readAllSSE(t, resp)

	resp = env.do(t, http.MethodPost, "/api/threads/t2/runs", alice, body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "run id already used: r1", errorBody(t, resp))

	resp = env.do(t, http.MethodGet, "/api/threads/t2", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "a refused run must not create its thread")
	resp.Body.Close()
}

func TestRun_RejectedRunIDCanBeRetried(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})
	bob := env.token(t, auth.Claims{Subject: "bob"})

	readAllSSE(t, env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, userMessage("u1", "hi")))

	body := map[string]any{"runId": "r2", "messages": []events.Message{{ID: "u2", Role: events.RoleUser, Content: "x"}}}
	resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", bob, body)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	readAllSSE(t, resp)
}

func TestConnect_ReplaysHistory(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})

	live := readAllSSE(t, env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, userMessage("u1", "ping")))

	resp := env.do(t, http.MethodGet, "/api/threads/t1/events", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replay := readAllSSE(t, resp)
	require.NotEmpty(t, replay)
	assert.Equal(t, string(events.TypeRunStarted), replay[0].Name)
	assert.LessOrEqual(t, len(replay), len(live), "replay is compacted")

	var text strings.Builder
	for _, ev := range replay {
		e := decodeEvent(t, ev)
		if e.Type == events.TypeTextMessageContent {
			text.WriteString(e.Delta)
		}
	}
	assert.Contains(t, text.String(), "ping")
}

func TestListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})
	admin := env.token(t, auth.Claims{Subject: "ops", Admin: true})

	for _, id := range []string{"t1", "t2", "t3"} {
		readAllSSE(t, env.do(t, http.MethodPost, "/api/threads/"+id+"/runs", alice, userMessage("u-"+id, id)))
	}

	var list catalog.ThreadList
	resp := env.do(t, http.MethodGet, "/api/threads?limit=2", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Threads, 2)

	resp = env.do(t, http.MethodGet, "/api/threads?limit=2&offset=2", admin, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 3, list.Total)
	assert.Len(t, list.Threads, 1)

	resp = env.do(t, http.MethodDelete, "/api/threads/t2", alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/threads/t2", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/threads", alice, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 2, list.Total)
}

func TestListThreads_BadPaging(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})

	resp := env.do(t, http.MethodGet, "/api/threads?limit=ten", alice, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "limit must be a non-negative integer", errorBody(t, resp))

	resp = env.do(t, http.MethodGet, "/api/threads?offset=-1", alice, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivity_Feed(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})
	bob := env.token(t, auth.Claims{Subject: "bob"})

	feed := env.do(t, http.MethodGet, "/api/activity", alice, nil)
	require.Equal(t, http.StatusOK, feed.StatusCode)
	r := bufio.NewReader(feed.Body)

	readAllSSE(t, env.do(t, http.MethodPost, "/api/threads/theirs/runs", bob, userMessage("b1", "hi")))
	readAllSSE(t, env.do(t, http.MethodPost, "/api/threads/mine/runs", alice, userMessage("a1", "hi")))

	ev, ok := readSSE(t, r)
	require.True(t, ok)
	assert.Equal(t, string(runner.ActivityRunStarted), ev.Name)
	var a runner.Activity
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &a))
	assert.Equal(t, "mine", a.ThreadID)
}

func TestShutdown_TurnsAwayRuns(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, auth.Claims{Subject: "alice"})

	require.NoError(t, env.gw.Shutdown(t.Context()))

	resp := env.do(t, http.MethodPost, "/api/threads/t1/runs", alice, userMessage("u1", "hi"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NoError(t, env.gw.Shutdown(t.Context()))
}

func TestServe_Lifecycle(t *testing.T) {
	gw, err := New(t.Context(), testConfig(t), testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNew_RecoversStaleRunStates(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(t.Context(), cfg, testLogger())
	require.NoError(t, err)
	acquired, err := gw.store.TryAcquireRun(t.Context(), "t1", "r1")
	require.NoError(t, err)
	require.True(t, acquired)
	// Simulate a crash: close the store without finalizing the run.
	require.NoError(t, gw.store.Close())

	gw, err = New(t.Context(), cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	running, err := gw.Conversation().IsRunning(t.Context(), "t1")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestNew_RejectsWeakSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(t.Context(), cfg, testLogger())
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestAnonymousAccess(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{AllowAnonymous: true}
	gw, err := New(t.Context(), cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})

	resp, err := http.Get(srv.URL + "/api/threads")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
