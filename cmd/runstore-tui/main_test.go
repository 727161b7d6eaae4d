// ABOUTME: Tests for the run store TUI client
// ABOUTME: Drives the interactive loop against a real in-process gateway

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runstore/internal/config"
	"github.com/2389/coven-runstore/internal/gateway"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "runstore.db")},
		Auth:     config.AuthConfig{AllowAnonymous: true},
	}
	gw, err := gateway.New(t.Context(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return srv
}

func TestRun_Session(t *testing.T) {
	srv := newServer(t)
	var out bytes.Buffer
	c := newClient(srv.URL, "", &out)

	input := strings.Join([]string{
		"hello",
		"/threads",
		"/history",
		"/stop",
		"/delete",
		"/threads",
		"/quit",
		"never sent",
	}, "\n")
	require.NoError(t, run(t.Context(), c, strings.NewReader(input), "thread-1"))

	got := out.String()
	assert.Contains(t, got, "Echo: hello")
	assert.Contains(t, got, "Threads (1):")
	assert.Contains(t, got, "> hello", "history replays the user message")
	assert.Contains(t, got, "Nothing to stop")
	assert.Contains(t, got, "Deleted thread-1")
	assert.Contains(t, got, "No threads")
	assert.NotContains(t, got, "never sent")
}

func TestRun_SwitchThreads(t *testing.T) {
	srv := newServer(t)
	var out bytes.Buffer
	c := newClient(srv.URL, "", &out)

	input := "/use other\nping\n/use\n/help\n"
	require.NoError(t, run(t.Context(), c, strings.NewReader(input), "thread-1"))

	got := out.String()
	assert.Contains(t, got, "Now on thread other")
	assert.Contains(t, got, "[other]> ")
	assert.Contains(t, got, "Usage: /use <thread_id>")
	assert.Contains(t, got, "/threads       List your threads")
}

func TestSend_ReportsServerError(t *testing.T) {
	srv := newServer(t)
	var out bytes.Buffer
	c := newClient(srv.URL, "bad-token", &out)

	err := c.send(t.Context(), "t1", "hi")
	require.Error(t, err)
	assert.Equal(t, "token authentication not configured", err.Error())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ééé...", truncate("éééééééé", 6))
}
