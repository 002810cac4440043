// Package queue provides the single-goroutine executor that serializes all
// work on one page.
package queue

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("queue closed")

// Serial runs tasks one at a time, in submission order, on a dedicated
// goroutine. Tasks must not call Do on the queue they run on.
type Serial struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewSerial starts the executor goroutine.
func NewSerial() *Serial {
	q := &Serial{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Serial) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		task()
	}
}

// Post schedules fn without waiting. It reports false if the queue is closed.
func (q *Serial) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the queue and waits for its result. If ctx is done before fn
// starts, fn is skipped. If ctx is done while fn runs, Do returns ctx.Err()
// and fn still completes on the queue.
func (q *Serial) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	ok := q.Post(func() {
		if err := ctx.Err(); err != nil {
			errc <- err
			return
		}
		errc <- fn()
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs the ones already queued, and waits for
// the executor goroutine to exit. It must not be called from a task.
func (q *Serial) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}
