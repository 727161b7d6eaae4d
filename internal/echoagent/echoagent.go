// ABOUTME: Deterministic echo agent that streams the last user message back with markdown
// ABOUTME: Used by the server binary as its built-in agent and by tests as a realistic producer

package echoagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runstore/internal/events"
	"github.com/2389/coven-runstore/internal/runner"
)

// DefaultChunkSize is the number of runes per streamed delta.
const DefaultChunkSize = 16

// Options tune the echo agent.
type Options struct {
	// Delay is slept between deltas to simulate streaming.
	Delay time.Duration
	// ChunkSize is the number of runes per delta.
	ChunkSize int
}

// New returns an Agent for a single run.
func New(opts Options) runner.Agent {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return runner.NewFuncAgent(func(ctx context.Context, in runner.AgentInput, cb runner.Callbacks) error {
		return run(ctx, opts, in, cb)
	})
}

// Factory returns a constructor producing a fresh echo agent per run.
func Factory(opts Options) func() runner.Agent {
	return func() runner.Agent { return New(opts) }
}

func run(ctx context.Context, opts Options, in runner.AgentInput, cb runner.Callbacks) error {
	cb.OnRunStartedEvent(events.Event{Type: events.TypeRunStarted, ThreadID: in.ThreadID, RunID: in.RunID})

	reply := Reply(lastUserMessage(in.Messages))
	id := uuid.New().String()

	cb.OnEvent(events.Event{Type: events.TypeTextMessageStart, MessageID: id, Role: events.RoleAssistant})
	for _, chunk := range chunks(reply, opts.ChunkSize) {
		if opts.Delay > 0 {
			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		cb.OnEvent(events.Event{Type: events.TypeTextMessageContent, MessageID: id, Delta: chunk})
	}
	cb.OnEvent(events.Event{Type: events.TypeTextMessageEnd, MessageID: id})
	cb.OnNewMessage(events.Message{ID: id, Role: events.RoleAssistant, Content: reply})

	cb.OnEvent(events.Event{Type: events.TypeRunFinished, ThreadID: in.ThreadID, RunID: in.RunID})
	return nil
}

// Reply is the text the agent answers input with.
func Reply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

func lastUserMessage(msgs []events.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == events.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func chunks(s string, size int) []string {
	r := []rune(s)
	out := make([]string, 0, len(r)/size+1)
	for len(r) > 0 {
		n := min(size, len(r))
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}
