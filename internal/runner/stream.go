// ABOUTME: Live event buffer for an in-flight run and the read-side Stream type
// ABOUTME: Subscribers never miss events: each reads the shared buffer at its own cursor

package runner

import (
	"context"
	"sync"

	"github.com/2389/coven-runstore/internal/events"
)

// liveStream is the append-only event buffer of one run. Every subscriber
// walks the buffer with its own cursor, so a slow or late subscriber sees
// every event in emission order. Once completed, further appends are dropped.
type liveStream struct {
	mu        sync.Mutex
	events    []events.Event
	completed bool
	wake      chan struct{}
}

func newLiveStream() *liveStream {
	return &liveStream{wake: make(chan struct{})}
}

// append adds e and wakes waiting subscribers. It reports false if the
// stream was already completed.
func (l *liveStream) append(e events.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.completed {
		return false
	}
	l.events = append(l.events, e)
	close(l.wake)
	l.wake = make(chan struct{})
	return true
}

// complete marks the end of the stream. It is idempotent.
func (l *liveStream) complete() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.completed {
		return
	}
	l.completed = true
	close(l.wake)
}

// read returns the events from cursor on, whether the stream is complete,
// and a channel closed on the next append or completion.
func (l *liveStream) read(cursor int) ([]events.Event, bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var batch []events.Event
	if cursor < len(l.events) {
		batch = l.events[cursor:len(l.events):len(l.events)]
	}
	return batch, l.completed, l.wake
}

// Stream is a read-only sequence of events. The channel returned by Events
// is closed when the stream ends or Close is called.
type Stream struct {
	ch     <-chan events.Event
	cancel context.CancelFunc
}

// Events returns the channel the stream delivers on.
func (s *Stream) Events() <-chan events.Event {
	return s.ch
}

// Close stops delivery. Undelivered events are discarded.
func (s *Stream) Close() {
	s.cancel()
}

// Collect reads the stream to the end, or until ctx is done.
func (s *Stream) Collect(ctx context.Context) ([]events.Event, error) {
	var out []events.Event
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				return out, nil
			}
			out = append(out, e)
		case <-ctx.Done():
			s.Close()
			return out, ctx.Err()
		}
	}
}

// EmptyStream returns a stream that is already complete.
func EmptyStream() *Stream {
	ch := make(chan events.Event)
	close(ch)
	return &Stream{ch: ch, cancel: func() {}}
}

// NewStream delivers prefix and then, if run is non-nil, the run's live
// events from the beginning of its buffer. Live events for which skip
// returns true are not delivered. The stream ends when run completes, or
// right after prefix when run is nil.
func NewStream(ctx context.Context, prefix []events.Event, run *ActiveRun, skip func(events.Event) bool) *Stream {
	var live *liveStream
	if run != nil {
		live = run.live
	}
	return newStream(ctx, prefix, live, skip)
}

func newStream(ctx context.Context, prefix []events.Event, live *liveStream, skip func(events.Event) bool) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan events.Event)

	send := func(e events.Event) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		defer cancel()

		for _, e := range prefix {
			if !send(e) {
				return
			}
		}
		if live == nil {
			return
		}

		cursor := 0
		for {
			batch, completed, wake := live.read(cursor)
			for _, e := range batch {
				if skip != nil && skip(e) {
					continue
				}
				if !send(e) {
					return
				}
			}
			cursor += len(batch)
			if len(batch) > 0 {
				continue
			}
			if completed {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Stream{ch: out, cancel: cancel}
}
