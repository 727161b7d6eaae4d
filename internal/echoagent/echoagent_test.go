// ABOUTME: Tests for the echo agent
// ABOUTME: Runs it through the real executor to check streaming, persistence and abort

package echoagent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/events"
	"github.com/2389/coven-runstore/internal/runner"
	"github.com/2389/coven-runstore/internal/store"
)

func newRunner() (*runner.Runner, *store.MockStore) {
	ledger := store.NewMockStore()
	return runner.New(ledger, runner.NewRegistry(), auth.NewGuard(nil)), ledger
}

func TestReply(t *testing.T) {
	assert.Contains(t, Reply("hello"), "Echo: **hello**")
	assert.Contains(t, Reply("give me a bullet list"), "- First item")
}

func TestChunks(t *testing.T) {
	assert.Equal(t, []string{"héll", "o wo", "rld"}, chunks("héllo world", 4))
	assert.Empty(t, chunks("", 4))
}

func TestEchoAgent_StreamsReply(t *testing.T) {
	r, ledger := newRunner()
	ctx := t.Context()

	s, err := r.Run(ctx, runner.RunRequest{
		ThreadID: "t1",
		Agent:    New(Options{ChunkSize: 8}),
		Messages: []events.Message{{ID: "u1", Role: events.RoleUser, Content: "ping"}},
	})
	require.NoError(t, err)
	evs, err := s.Collect(ctx)
	require.NoError(t, err)

	var text strings.Builder
	for _, e := range evs {
		if e.Type == events.TypeTextMessageContent {
			text.WriteString(e.Delta)
		}
	}
	assert.Equal(t, Reply("ping"), text.String())
	assert.Equal(t, events.TypeRunStarted, evs[0].Type)
	assert.Equal(t, events.TypeRunFinished, evs[len(evs)-1].Type)

	history, err := ledger.History(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "ping", events.FirstText(history))
}

func TestEchoAgent_HonorsAbort(t *testing.T) {
	r, _ := newRunner()
	ctx := t.Context()

	s, err := r.Run(ctx, runner.RunRequest{
		ThreadID: "t1",
		Agent:    New(Options{Delay: 50 * time.Millisecond, ChunkSize: 1}),
		Messages: []events.Message{{ID: "u1", Role: events.RoleUser, Content: "a long message to echo slowly"}},
	})
	require.NoError(t, err)

	first := <-s.Events()
	assert.Equal(t, events.TypeRunStarted, first.Type)
	require.True(t, r.Stop(ctx, "t1"))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	evs, err := s.Collect(ctx)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeRunError, last.Type)
	assert.Equal(t, events.CodeStopped, last.Code)
}
