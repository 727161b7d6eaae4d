// ABOUTME: Contract between the run executor and the agents that produce events
// ABOUTME: Defines Agent, AgentInput and the callbacks an agent reports through

package runner

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/2389/coven-runstore/internal/events"
)

// AgentInput is what an agent receives for one run.
type AgentInput struct {
	ThreadID    string
	RunID       string
	ParentRunID string
	Messages    []events.Message
	State       json.RawMessage
	Properties  map[string]any
}

// Callbacks are how an agent reports progress. All of them are safe to call
// from any goroutine and become no-ops once the run is stopped or finalized.
type Callbacks struct {
	// OnEvent receives every event the agent emits, in order.
	OnEvent func(events.Event)
	// OnRunStartedEvent receives the agent's RUN_STARTED event. Calling it is
	// equivalent to passing the event to OnEvent.
	OnRunStartedEvent func(events.Event)
	// OnNewMessage is told about each message the agent completes.
	OnNewMessage func(events.Message)
}

// Agent produces the events of a run. Run blocks until the agent is done and
// returns its failure, if any. Abort asks a running agent to stop; it may
// return before the agent has actually stopped.
type Agent interface {
	Run(ctx context.Context, input AgentInput, cb Callbacks) error
	Abort() error
}

// AgentFunc adapts a function to Agent. Abort cancels the context passed to
// the function.
type AgentFunc func(ctx context.Context, input AgentInput, cb Callbacks) error

type funcAgent struct {
	fn      AgentFunc
	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
}

// NewFuncAgent wraps fn as an Agent whose Abort cancels fn's context.
// The result serves a single run; an Abort before Run starts still applies.
func NewFuncAgent(fn AgentFunc) Agent {
	return &funcAgent{fn: fn}
}

func (a *funcAgent) Run(ctx context.Context, input AgentInput, cb Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	a.cancel = cancel
	if a.aborted {
		cancel()
	}
	a.mu.Unlock()

	return a.fn(ctx, input, cb)
}

func (a *funcAgent) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = true
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}
