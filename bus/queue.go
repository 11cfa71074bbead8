// Package bus provides the plumbing the sensor-driven actors share: a
// serialized callback queue, bounded throttling for sensor streams, and
// channel fan-in onto the queue.
package bus

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

const defaultQueueSize = 64

// CallbackQueue runs callbacks one at a time in submission order on a
// single background goroutine. Actors push their sensor handlers and
// graph update handlers onto one queue so their state needs no locking.
type CallbackQueue struct {
	logger golog.Logger
	jobs   chan func(context.Context)

	mu                      sync.Mutex
	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewCallbackQueue builds a queue holding at most size pending callbacks.
func NewCallbackQueue(size int, logger golog.Logger) *CallbackQueue {
	if size < 1 {
		size = defaultQueueSize
	}
	return &CallbackQueue{
		logger: logger,
		jobs:   make(chan func(context.Context), size),
	}
}

// Start launches the worker goroutine. Calling Start again has no effect.
func (q *CallbackQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelCtx != nil {
		return
	}
	q.cancelCtx, q.cancelFunc = context.WithCancel(ctx)
	workerCtx := q.cancelCtx
	q.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		q.run(workerCtx)
	}, q.activeBackgroundWorkers.Done)
}

// Push enqueues a callback, reporting false when the queue is not
// running or has no room.
func (q *CallbackQueue) Push(cb func(ctx context.Context)) bool {
	ctx := q.context()
	if ctx == nil || ctx.Err() != nil {
		return false
	}
	select {
	case q.jobs <- cb:
		return true
	default:
		q.logger.Warn("callback queue full; dropping callback")
		return false
	}
}

// Sync blocks until every callback queued before the call has finished.
func (q *CallbackQueue) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !q.Push(func(context.Context) { close(done) }) {
		return errors.New("callback queue is not running")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops the worker and waits for the running callback to finish.
// Pending callbacks are discarded.
func (q *CallbackQueue) Close() {
	q.mu.Lock()
	if q.cancelFunc != nil {
		q.cancelFunc()
	}
	q.mu.Unlock()
	q.activeBackgroundWorkers.Wait()
}

func (q *CallbackQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case cb := <-q.jobs:
			cb(ctx)
		}
	}
}

func (q *CallbackQueue) context() context.Context {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelCtx
}

// Forward drains the channel onto the queue, wrapping each message in
// the given handler. The forwarding goroutine stops when the queue
// closes or the channel is closed. The queue must already be started.
func Forward[T any](q *CallbackQueue, ch <-chan T, fn func(ctx context.Context, msg T)) {
	ctx := q.context()
	if ctx == nil || ctx.Err() != nil {
		q.logger.Error("forward requires a running queue")
		return
	}
	q.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				q.Push(func(c context.Context) { fn(c, msg) })
			}
		}
	}, q.activeBackgroundWorkers.Done)
}
