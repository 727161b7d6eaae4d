// ABOUTME: In-memory fan-out of thread activity for cross-client awareness
// ABOUTME: Each subscriber only sees activity on threads its scope may access

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/runner"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

type subscriber struct {
	scope auth.Scope
	ch    chan runner.Activity
}

// ActivityBroadcaster provides in-memory pub/sub for thread activity. A
// subscriber registers with its scope and receives run starts, run ends and
// deletions of the threads that scope matches.
type ActivityBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]subscriber // subID -> subscriber
	guard       *auth.Guard
	logger      *slog.Logger
}

// NewActivityBroadcaster creates a broadcaster. Pass nil logger for default.
func NewActivityBroadcaster(guard *auth.Guard, logger *slog.Logger) *ActivityBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityBroadcaster{
		subscribers: make(map[string]subscriber),
		guard:       guard,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for activity visible to scope. Returns a
// channel that receives activity and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *ActivityBroadcaster) Subscribe(ctx context.Context, scope auth.Scope) (<-chan runner.Activity, string) {
	subID := uuid.New().String()
	ch := make(chan runner.Activity, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = subscriber{scope: scope, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "scope", scope.String())

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers activity to every subscriber whose scope matches the
// thread's owners. Non-blocking: activity is dropped for subscribers whose
// channels are full.
func (b *ActivityBroadcaster) Publish(a runner.Activity) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !b.guard.Matches(a.Owners, sub.scope) {
			continue
		}
		select {
		case sub.ch <- a:
		default:
			b.logger.Debug("dropped activity for slow subscriber",
				"sub_id", id,
				"thread_id", a.ThreadID,
				"kind", a.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *ActivityBroadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Len returns the number of live subscriptions.
func (b *ActivityBroadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *ActivityBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}
