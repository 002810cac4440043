package cloud

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffOptions configures a Retrier. Zero values take the defaults.
type BackoffOptions struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter randomizes each delay by up to this fraction.
	Jitter float64
}

const (
	defaultBackoffInitial = 100 * time.Millisecond
	defaultBackoffMax     = time.Minute
)

// Retrier re-runs a task after an exponentially growing delay. The delay
// doubles per retry up to Max and drops back to Initial after Success.
type Retrier struct {
	mu      sync.Mutex
	b       *backoff.ExponentialBackOff
	timer   *time.Timer
	stopped bool
}

// NewRetrier builds a Retrier.
func NewRetrier(opts BackoffOptions) *Retrier {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultBackoffInitial
	if opts.Initial > 0 {
		b.InitialInterval = opts.Initial
	}
	b.MaxInterval = defaultBackoffMax
	if opts.Max > 0 {
		b.MaxInterval = opts.Max
	}
	b.Multiplier = 2
	b.RandomizationFactor = opts.Jitter
	// Sync retries for as long as the process runs.
	b.MaxElapsedTime = 0
	b.Reset()
	return &Retrier{b: b}
}

// Retry schedules task after the next delay, replacing any retry already
// pending, and returns the delay. After Stop it does nothing.
func (r *Retrier) Retry(task func()) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0
	}
	delay := r.b.NextBackOff()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, task)
	return delay
}

// Success resets the delay to its initial value.
func (r *Retrier) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.b.Reset()
}

// Stop cancels the pending retry, if any.
func (r *Retrier) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
