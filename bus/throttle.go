package bus

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
)

// DropPolicy picks which message to discard when a throttle is full.
type DropPolicy int

const (
	// DropNewest rejects arrivals while the buffer is full, keeping the
	// oldest backlog. Imagery uses this: a frame that already anchored
	// processing must not be displaced mid-flight.
	DropNewest DropPolicy = iota
	// DropOldest evicts the front of the buffer to make room. Inertial
	// streams use this so drained windows stay current.
	DropOldest
)

const dropReportInterval = 5 * time.Second

// ThrottledCallback bounds a sensor stream feeding a callback queue.
// Messages buffer up to a capacity; beyond it the drop policy applies
// and drops are counted and reported periodically.
type ThrottledCallback[T any] struct {
	queue    *CallbackQueue
	handler  func(ctx context.Context, msg T)
	policy   DropPolicy
	capacity int
	logger   golog.Logger
	clk      clock.Clock

	mu         sync.Mutex
	buf        []T
	dropped    int
	reported   int
	lastReport time.Time
}

// NewThrottledCallback wraps handler so at most capacity messages wait
// in line on the queue at once.
func NewThrottledCallback[T any](
	queue *CallbackQueue,
	capacity int,
	policy DropPolicy,
	handler func(ctx context.Context, msg T),
	logger golog.Logger,
	clk clock.Clock,
) *ThrottledCallback[T] {
	if capacity < 1 {
		capacity = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ThrottledCallback[T]{
		queue:    queue,
		handler:  handler,
		policy:   policy,
		capacity: capacity,
		logger:   logger,
		clk:      clk,
	}
}

// Receive buffers the message and schedules its dispatch, applying the
// drop policy when the buffer is full.
func (t *ThrottledCallback[T]) Receive(msg T) {
	t.mu.Lock()
	if len(t.buf) >= t.capacity {
		t.dropped++
		t.maybeReportLocked()
		if t.policy == DropNewest {
			t.mu.Unlock()
			return
		}
		t.buf = t.buf[1:]
	}
	t.buf = append(t.buf, msg)
	t.mu.Unlock()
	t.queue.Push(t.dispatch)
}

// Dropped returns how many messages the throttle has discarded.
func (t *ThrottledCallback[T]) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

func (t *ThrottledCallback[T]) dispatch(ctx context.Context) {
	t.mu.Lock()
	if len(t.buf) == 0 {
		// An eviction already consumed the message this dispatch was
		// scheduled for.
		t.mu.Unlock()
		return
	}
	msg := t.buf[0]
	t.buf = t.buf[1:]
	t.mu.Unlock()
	t.handler(ctx, msg)
}

func (t *ThrottledCallback[T]) maybeReportLocked() {
	now := t.clk.Now()
	if now.Sub(t.lastReport) < dropReportInterval {
		return
	}
	t.logger.Warnw("throttle dropping messages", "dropped", t.dropped-t.reported)
	t.reported = t.dropped
	t.lastReport = now
}
