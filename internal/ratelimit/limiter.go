// Package ratelimit implements per-venue admission control: a fixed-window
// request counter with FIFO queuing plus throttle-driven exponential backoff.
package ratelimit

import (
	"container/list"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/keelhq/keel/errs"
)

const (
	defaultMaxRequests = 120
	defaultWindow      = time.Minute
	defaultBaseDelay   = time.Second
	defaultMaxRetries  = 5

	maxBackoff = time.Minute
	jitterCeil = 500 * time.Millisecond
)

// Config tunes one limiter instance.
type Config struct {
	// Venue labels errors produced by the limiter.
	Venue string
	// MaxRequests admitted per window. Default 120.
	MaxRequests int
	// Window is the fixed admission window. Default 1m.
	Window time.Duration
	// RetryBaseDelay seeds the exponential throttle backoff. Default 1s.
	RetryBaseDelay time.Duration
	// MaxRetries is the consecutive throttle count after which Acquire fails
	// fast. Default 5.
	MaxRetries int
}

func (c Config) normalize() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = defaultMaxRequests
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultBaseDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

// Metrics is a point-in-time limiter snapshot.
type Metrics struct {
	Admitted  uint64
	Waiting   int
	Throttles int
	Backoff   time.Duration
}

type waiter struct {
	ready chan struct{}
	err   *errs.E
}

// Limiter grants one token per outbound REST call. Suspended callers are
// admitted in FIFO order as windows roll forward.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	windowStart time.Time
	count       int
	admitted    uint64
	throttles   int
	backoffUntil time.Time
	queue       *list.List
	timer       *time.Timer
	closed      bool

	now  func() time.Time
	rand *rand.Rand
}

// New constructs a limiter from the config, applying documented defaults.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:   cfg.normalize(),
		queue: list.New(),
		now:   time.Now,
	}
	l.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	return l
}

// Acquire suspends the caller until admission is granted, the context is
// cancelled, or the max-retries guard trips. The guard error is terminal; the
// caller must not retry.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errs.New(l.cfg.Venue, errs.CodeUnknown, errs.WithMessage("rate limiter closed"))
	}
	if l.throttles >= l.cfg.MaxRetries {
		l.mu.Unlock()
		return l.maxRetriesError()
	}
	w := &waiter{ready: make(chan struct{})}
	elem := l.queue.PushBack(w)
	l.dispatchLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return w.err
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		// The token may have been granted while we were cancelling; a granted
		// token for an abandoned call is simply unused window budget.
		select {
		case <-w.ready:
		default:
			l.queue.Remove(elem)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// ReportThrottled signals a venue rate-limit rejection, growing the backoff.
func (l *Limiter) ReportThrottled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttles++
	delay := l.cfg.RetryBaseDelay << (l.throttles - 1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	delay += time.Duration(l.rand.Int63n(int64(jitterCeil)))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	until := l.now().Add(delay)
	if until.After(l.backoffUntil) {
		l.backoffUntil = until
	}
	if l.throttles >= l.cfg.MaxRetries {
		// Fail fast for everything already queued.
		err := l.maxRetriesError()
		for elem := l.queue.Front(); elem != nil; elem = l.queue.Front() {
			w := l.queue.Remove(elem).(*waiter)
			w.err = err
			close(w.ready)
		}
		return
	}
	l.armTimerLocked(until)
}

// ReportSuccess signals a non-throttled completion, clearing the backoff.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttles = 0
	l.backoffUntil = time.Time{}
	l.dispatchLocked()
}

// RetryAfter reports the remaining backoff delay, if any.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if remaining := l.backoffUntil.Sub(l.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Snapshot returns current limiter metrics.
func (l *Limiter) Snapshot() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := Metrics{
		Admitted:  l.admitted,
		Waiting:   l.queue.Len(),
		Throttles: l.throttles,
	}
	if remaining := l.backoffUntil.Sub(l.now()); remaining > 0 {
		m.Backoff = remaining
	}
	return m
}

// Close releases all suspended callers with an error.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
	}
	err := errs.New(l.cfg.Venue, errs.CodeUnknown, errs.WithMessage("rate limiter closed"))
	for elem := l.queue.Front(); elem != nil; elem = l.queue.Front() {
		w := l.queue.Remove(elem).(*waiter)
		w.err = err
		close(w.ready)
	}
}

func (l *Limiter) maxRetriesError() *errs.E {
	return errs.New(l.cfg.Venue, errs.CodeRateLimit,
		errs.WithMessage("rate limit retries exhausted"),
		errs.WithRetryable(false))
}

// dispatchLocked admits queued waiters in FIFO order while window budget
// remains and no backoff is pending. Callers hold l.mu.
func (l *Limiter) dispatchLocked() {
	if l.closed {
		return
	}
	now := l.now()

	if l.backoffUntil.After(now) {
		l.armTimerLocked(l.backoffUntil)
		return
	}

	// Roll the window lazily.
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.cfg.Window {
		l.windowStart = now
		l.count = 0
	}

	for l.queue.Len() > 0 {
		if l.count >= l.cfg.MaxRequests {
			l.armTimerLocked(l.windowStart.Add(l.cfg.Window))
			return
		}
		elem := l.queue.Front()
		w := l.queue.Remove(elem).(*waiter)
		l.count++
		l.admitted++
		close(w.ready)
	}
}

func (l *Limiter) armTimerLocked(at time.Time) {
	if l.queue.Len() == 0 {
		return
	}
	wait := at.Sub(l.now())
	if wait < 0 {
		wait = 0
	}
	if l.timer == nil {
		l.timer = time.AfterFunc(wait, l.onTimer)
		return
	}
	l.timer.Stop()
	l.timer.Reset(wait)
}

func (l *Limiter) onTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dispatchLocked()
}
