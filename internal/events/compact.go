// ABOUTME: Event compaction and run finalization helpers
// ABOUTME: Collapses streaming deltas into a minimal replay form and builds terminal tails

package events

import (
	"strings"
	"time"
)

// group collects the streaming events of one text message or tool call.
type group struct {
	start *Event
	body  *Event
	text  strings.Builder
	end   *Event
}

func (g *group) flatten(out []Event) []Event {
	if g.start != nil {
		out = append(out, *g.start)
	}
	if g.body != nil && g.text.Len() > 0 {
		body := *g.body
		body.Delta = g.text.String()
		out = append(out, body)
	}
	if g.end != nil {
		out = append(out, *g.end)
	}
	return out
}

// slot is either a plain event or a reference to a streaming group.
type slot struct {
	event *Event
	group *group
}

// Compact merges each text message's START/CONTENT*/END sequence into
// START, a single CONTENT and END, placed where the message first appeared.
// Tool calls get the same treatment for START/ARGS*/END. Empty deltas are
// dropped and every other event keeps its relative order. Compact is
// idempotent.
func Compact(evs []Event) []Event {
	if len(evs) == 0 {
		return nil
	}

	var slots []slot
	messages := make(map[string]*group)
	tools := make(map[string]*group)

	lookup := func(index map[string]*group, key string) *group {
		g, ok := index[key]
		if !ok {
			g = &group{}
			index[key] = g
			slots = append(slots, slot{group: g})
		}
		return g
	}

	for i := range evs {
		e := evs[i]
		switch e.Type {
		case TypeTextMessageStart, TypeTextMessageContent, TypeTextMessageEnd:
			if e.MessageID == "" {
				if e.Type == TypeTextMessageContent && e.Delta == "" {
					continue
				}
				slots = append(slots, slot{event: &e})
				continue
			}
			absorb(lookup(messages, e.MessageID), e, TypeTextMessageStart, TypeTextMessageContent)
		case TypeToolCallStart, TypeToolCallArgs, TypeToolCallEnd:
			if e.ToolCallID == "" {
				if e.Type == TypeToolCallArgs && e.Delta == "" {
					continue
				}
				slots = append(slots, slot{event: &e})
				continue
			}
			absorb(lookup(tools, e.ToolCallID), e, TypeToolCallStart, TypeToolCallArgs)
		default:
			slots = append(slots, slot{event: &e})
		}
	}

	out := make([]Event, 0, len(slots))
	for _, s := range slots {
		if s.event != nil {
			out = append(out, *s.event)
			continue
		}
		out = s.group.flatten(out)
	}
	return out
}

func absorb(g *group, e Event, startType, bodyType Type) {
	switch e.Type {
	case startType:
		if g.start == nil {
			g.start = &e
		}
	case bodyType:
		if e.Delta == "" {
			return
		}
		if g.body == nil {
			g.body = &e
		}
		g.text.WriteString(e.Delta)
	default:
		// the last END wins so a reopened message stays closed
		g.end = &e
	}
}

// FailurePolicy decides how an agent failure is represented on the stream.
type FailurePolicy int

const (
	// FailurePolicyComplete ends a failed run with a clean RUN_FINISHED; the
	// error itself is not emitted.
	FailurePolicyComplete FailurePolicy = iota
	// FailurePolicyError ends a failed run with RUN_ERROR carrying the error.
	FailurePolicyError
)

// ParseFailurePolicy maps a config value to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "complete":
		return FailurePolicyComplete, true
	case "error":
		return FailurePolicyError, true
	default:
		return FailurePolicyComplete, false
	}
}

func (p FailurePolicy) String() string {
	if p == FailurePolicyError {
		return "error"
	}
	return "complete"
}

// FinalizeOptions describes how a run ended.
type FinalizeOptions struct {
	ThreadID string
	RunID    string
	Stopped  bool
	Failure  error
	Policy   FailurePolicy
	Now      time.Time
}

// FinalizeTail returns the events needed to close out a run whose events so
// far are evs: END events for messages and tool calls still open, followed
// by a terminal marker unless the agent already emitted one.
func FinalizeTail(evs []Event, opts FinalizeOptions) []Event {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	ts := now.UnixMilli()

	var openOrder []Event
	openMessages := make(map[string]bool)
	openTools := make(map[string]bool)
	terminal := false

	for _, e := range evs {
		switch e.Type {
		case TypeTextMessageStart, TypeTextMessageContent:
			if e.MessageID != "" && !openMessages[e.MessageID] {
				openMessages[e.MessageID] = true
				openOrder = append(openOrder, Event{Type: TypeTextMessageEnd, MessageID: e.MessageID})
			}
		case TypeTextMessageEnd:
			delete(openMessages, e.MessageID)
		case TypeToolCallStart, TypeToolCallArgs:
			if e.ToolCallID != "" && !openTools[e.ToolCallID] {
				openTools[e.ToolCallID] = true
				openOrder = append(openOrder, Event{Type: TypeToolCallEnd, ToolCallID: e.ToolCallID})
			}
		case TypeToolCallEnd:
			delete(openTools, e.ToolCallID)
		case TypeRunFinished, TypeRunError:
			terminal = true
		}
	}

	var tail []Event
	for _, e := range openOrder {
		if e.Type == TypeTextMessageEnd {
			if !openMessages[e.MessageID] {
				continue
			}
			delete(openMessages, e.MessageID)
		}
		if e.Type == TypeToolCallEnd {
			if !openTools[e.ToolCallID] {
				continue
			}
			delete(openTools, e.ToolCallID)
		}
		e.Timestamp = ts
		tail = append(tail, e)
	}

	if terminal {
		return tail
	}

	marker := Event{Type: TypeRunFinished, ThreadID: opts.ThreadID, RunID: opts.RunID, Timestamp: ts}
	switch {
	case opts.Stopped:
		marker = Event{
			Type:      TypeRunError,
			ThreadID:  opts.ThreadID,
			RunID:     opts.RunID,
			Code:      CodeStopped,
			Message:   "Run stopped by user",
			Timestamp: ts,
		}
	case opts.Failure != nil && opts.Policy == FailurePolicyError:
		marker = Event{
			Type:      TypeRunError,
			ThreadID:  opts.ThreadID,
			RunID:     opts.RunID,
			Code:      CodeAgentError,
			Message:   opts.Failure.Error(),
			Timestamp: ts,
		}
	}
	return append(tail, marker)
}
