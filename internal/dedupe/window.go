// ABOUTME: Time-bounded record of recently submitted run ids
// ABOUTME: Lets the HTTP layer reject a retried run submission instead of executing it twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used by the HTTP server.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type runKey struct {
	threadID string
	runID    string
}

type claim struct {
	key runKey
	at  time.Time
}

// Window remembers (thread, run) pairs for a fixed TTL. It is bounded: when
// full, the oldest claim is forgotten first. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	claims  map[runKey]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Window and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	w := &Window{
		claims:  make(map[runKey]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Claim records the pair and reports whether it was new. A pair claimed
// within the last TTL is a duplicate and Claim returns false.
func (w *Window) Claim(threadID, runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := runKey{threadID, runID}
	now := w.now()
	if el, ok := w.claims[k]; ok {
		if now.Sub(el.Value.(*claim).at) < w.ttl {
			return false
		}
		w.order.Remove(el)
		delete(w.claims, k)
	}

	for len(w.claims) >= w.maxSize {
		w.evictOldest()
	}
	w.claims[k] = w.order.PushBack(&claim{key: k, at: now})
	return true
}

// Release forgets a claim, so a submission that was rejected before it
// started can be retried with the same run id.
func (w *Window) Release(threadID, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := runKey{threadID, runID}
	if el, ok := w.claims[k]; ok {
		w.order.Remove(el)
		delete(w.claims, k)
	}
}

// Len returns the number of remembered claims, expired ones included
// until the next sweep.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.claims)
}

// must be called with mu held
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.claims, front.Value.(*claim).key)
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops expired claims. Claims are in insertion order, so it stops
// at the first live one.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		c := front.Value.(*claim)
		if now.Sub(c.at) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.claims, c.key)
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (w *Window) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
