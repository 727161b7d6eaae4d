// ABOUTME: Tagged event variant streamed by agents and persisted per run
// ABOUTME: Defines event types, the RunInput echo, and message identity helpers

package events

import (
	"encoding/json"
	"time"
)

// Type discriminates the event variant.
type Type string

const (
	TypeRunStarted         Type = "RUN_STARTED"
	TypeRunFinished        Type = "RUN_FINISHED"
	TypeRunError           Type = "RUN_ERROR"
	TypeTextMessageStart   Type = "TEXT_MESSAGE_START"
	TypeTextMessageContent Type = "TEXT_MESSAGE_CONTENT"
	TypeTextMessageEnd     Type = "TEXT_MESSAGE_END"
	TypeToolCallStart      Type = "TOOL_CALL_START"
	TypeToolCallArgs       Type = "TOOL_CALL_ARGS"
	TypeToolCallEnd        Type = "TOOL_CALL_END"
	TypeToolCallResult     Type = "TOOL_CALL_RESULT"
	TypeStateSnapshot      Type = "STATE_SNAPSHOT"
	TypeStateDelta         Type = "STATE_DELTA"
	TypeMessagesSnapshot   Type = "MESSAGES_SNAPSHOT"
	TypeCustom             Type = "CUSTOM"
)

// Error codes carried by RUN_ERROR terminal markers.
const (
	CodeStopped    = "stopped"
	CodeAgentError = "agent_error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is a conversation message as supplied in run input or snapshots.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// ToolCall is an assistant tool invocation inside a Message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// RunInput is the caller input echoed on RUN_STARTED.
type RunInput struct {
	ThreadID    string          `json:"threadId"`
	RunID       string          `json:"runId"`
	ParentRunID string          `json:"parentRunId,omitempty"`
	Messages    []Message       `json:"messages"`
	State       json.RawMessage `json:"state,omitempty"`
}

// Event is one agent event. Which fields are meaningful depends on Type;
// the zero value of an irrelevant field is omitted from the wire form.
type Event struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp,omitempty"` // unix ms

	ThreadID string    `json:"threadId,omitempty"`
	RunID    string    `json:"runId,omitempty"`
	Input    *RunInput `json:"input,omitempty"`

	MessageID string `json:"messageId,omitempty"`
	Role      string `json:"role,omitempty"`
	Delta     string `json:"delta,omitempty"`

	ToolCallID      string `json:"toolCallId,omitempty"`
	ToolCallName    string `json:"toolCallName,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Content         string `json:"content,omitempty"`

	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Patch    json.RawMessage `json:"patch,omitempty"`
	Messages []Message       `json:"messages,omitempty"`

	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`

	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// Identity returns the message id used to deduplicate replayed and live
// events, or "" for events that carry none.
func (e Event) Identity() string {
	return e.MessageID
}

// IsTerminal reports whether e ends a run.
func (e Event) IsTerminal() bool {
	return e.Type == TypeRunFinished || e.Type == TypeRunError
}

// Stamp sets Timestamp to now if it is unset.
func (e Event) Stamp(now time.Time) Event {
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
	return e
}

// MessageIDs collects every message id referenced by evs, including the
// ids of input messages echoed on RUN_STARTED and MESSAGES_SNAPSHOT.
func MessageIDs(evs []Event) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, e := range evs {
		if e.MessageID != "" {
			ids[e.MessageID] = struct{}{}
		}
		if e.Input != nil {
			for _, m := range e.Input.Messages {
				if m.ID != "" {
					ids[m.ID] = struct{}{}
				}
			}
		}
		for _, m := range e.Messages {
			if m.ID != "" {
				ids[m.ID] = struct{}{}
			}
		}
	}
	return ids
}

// FirstText returns the first non-empty text found in evs: a user message
// from an echoed input, or assistant content.
func FirstText(evs []Event) string {
	for _, e := range evs {
		if e.Input != nil {
			for _, m := range e.Input.Messages {
				if m.Content != "" && (m.Role == RoleUser || m.Role == RoleAssistant) {
					return m.Content
				}
			}
		}
		if e.Type == TypeTextMessageContent && e.Delta != "" {
			return e.Delta
		}
	}
	return ""
}

// Marshal encodes events as the JSON array stored in the ledger.
func Marshal(evs []Event) ([]byte, error) {
	if evs == nil {
		evs = []Event{}
	}
	return json.Marshal(evs)
}

// Unmarshal decodes a JSON array written by Marshal.
func Unmarshal(data []byte) ([]Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var evs []Event
	if err := json.Unmarshal(data, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}
