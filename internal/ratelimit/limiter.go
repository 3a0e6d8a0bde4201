// Package ratelimit implements the token bucket shared by every worker that
// talks to the same market data provider.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode tells observers which call style waited.
type Mode string

const (
	ModeBlocking Mode = "blocking"
	ModeContext  Mode = "context"
)

// Waits shorter than this are not reported to the observer.
const minObservedWait = 10 * time.Millisecond

var (
	ErrConfig          = errors.New("ratelimit: capacity and refill rate must be positive")
	ErrExceedsCapacity = errors.New("ratelimit: requested tokens exceed bucket capacity")
	ErrInvalidCount    = errors.New("ratelimit: token count must be positive")
)

// WaitObserver receives the time a caller spent waiting for tokens.
type WaitObserver interface {
	ObserveWait(provider string, mode Mode, d time.Duration)
}

// Limiter is a token bucket safe for concurrent use. Blocking and
// context-aware callers serialize through the same mutex.
type Limiter struct {
	name     string
	capacity float64
	rate     float64
	observer WaitObserver
	now      func() time.Time

	mu sync.Mutex
	b  bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithObserver reports waits to o.
func WithObserver(o WaitObserver) Option {
	return func(l *Limiter) { l.observer = o }
}

// New creates a full bucket holding capacity tokens that refills at
// refillRate tokens per second.
func New(name string, capacity, refillRate float64, opts ...Option) (*Limiter, error) {
	if capacity <= 0 || refillRate <= 0 {
		return nil, fmt.Errorf("%w (capacity=%v, refill_rate=%v)", ErrConfig, capacity, refillRate)
	}
	l := &Limiter{name: name, capacity: capacity, rate: refillRate, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.b = newBucket(capacity, refillRate, l.now())
	return l, nil
}

// Capacity returns the maximum burst size.
func (l *Limiter) Capacity() float64 { return l.capacity }

// RefillRate returns tokens added per second.
func (l *Limiter) RefillRate() float64 { return l.rate }

// Name returns the provider name the limiter was created for.
func (l *Limiter) Name() string { return l.name }

// Acquire withdraws n tokens, sleeping the calling goroutine until they are
// available.
func (l *Limiter) Acquire(n int) error {
	return l.acquire(context.Background(), n, ModeBlocking, sleep)
}

// AcquireContext withdraws n tokens, waiting until they are available or ctx
// is done.
func (l *Limiter) AcquireContext(ctx context.Context, n int) error {
	return l.acquire(ctx, n, ModeContext, sleepContext)
}

// NotifyRetryAfter gates the bucket for d and blocks until the gate opens.
func (l *Limiter) NotifyRetryAfter(d time.Duration) {
	_ = l.retryAfter(context.Background(), d, ModeBlocking, sleep)
}

// NotifyRetryAfterContext is NotifyRetryAfter for callers holding a context.
// The gate stays in place for other callers even if ctx ends first.
func (l *Limiter) NotifyRetryAfterContext(ctx context.Context, d time.Duration) error {
	return l.retryAfter(ctx, d, ModeContext, sleepContext)
}

// Available returns the tokens that could be taken right now.
func (l *Limiter) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b = l.b.refill(l.now())
	return l.b.tokens
}

// Reset refills the bucket and clears any retry gate.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b = newBucket(l.capacity, l.rate, l.now())
}

func (l *Limiter) acquire(ctx context.Context, n int, mode Mode, wait waitFunc) error {
	if n <= 0 {
		return ErrInvalidCount
	}
	tokens := float64(n)
	if tokens > l.capacity {
		return fmt.Errorf("%w: %d > %v", ErrExceedsCapacity, n, l.capacity)
	}

	var waited time.Duration
	defer func() { l.observe(mode, waited) }()

	for {
		l.mu.Lock()
		var d time.Duration
		l.b, d = take(l.b, l.now(), tokens)
		l.mu.Unlock()

		if d == 0 {
			return nil
		}
		start := l.now()
		if err := wait(ctx, d); err != nil {
			waited += l.now().Sub(start)
			return err
		}
		waited += l.now().Sub(start)
	}
}

func (l *Limiter) retryAfter(ctx context.Context, d time.Duration, mode Mode, wait waitFunc) error {
	if d <= 0 {
		return nil
	}

	l.mu.Lock()
	l.b = gate(l.b, l.now(), d)
	l.mu.Unlock()

	start := l.now()
	defer func() { l.observe(mode, l.now().Sub(start)) }()

	for {
		l.mu.Lock()
		remaining := l.b.retryUntil.Sub(l.now())
		l.mu.Unlock()

		if remaining <= 0 {
			return nil
		}
		if err := wait(ctx, remaining); err != nil {
			return err
		}
	}
}

func (l *Limiter) observe(mode Mode, d time.Duration) {
	if l.observer == nil || d < minObservedWait {
		return
	}
	l.observer.ObserveWait(l.name, mode, d)
}

type waitFunc func(ctx context.Context, d time.Duration) error

func sleep(_ context.Context, d time.Duration) error {
	time.Sleep(d)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
