// Package ratelimit provides admission control for diff runs: a per-user
// token bucket and a global cap on concurrently running pipelines.
// Thread-safe. No background goroutines; tokens are refilled lazily on each Allow call.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrRateLimited is returned when a user has exhausted their token bucket.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrBusy is returned when every run slot is taken.
	ErrBusy = errors.New("too many diff runs in progress")
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-user token bucket rate limiter.
// Each user gets an independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		users: make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Allow checks whether the user has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	// Unlimited mode.
	if l == nil || l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.users[userID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Slots caps the number of pipelines running at once. Every run owns two
// sandboxes, two servers and two browsers, so the cap is small.
type Slots struct {
	sem *semaphore.Weighted
	max int64
}

// NewSlots creates a cap of n concurrent runs. n <= 0 means one.
func NewSlots(n int) *Slots {
	if n <= 0 {
		n = 1
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n)), max: int64(n)}
}

// TryAcquire takes a slot without waiting. The returned release must be
// called exactly once.
func (s *Slots) TryAcquire() (release func(), err error) {
	if s == nil {
		return func() {}, nil
	}
	if !s.sem.TryAcquire(1) {
		return nil, ErrBusy
	}
	return s.releaser(), nil
}

// Acquire waits for a slot until ctx is done.
func (s *Slots) Acquire(ctx context.Context) (release func(), err error) {
	if s == nil {
		return func() {}, nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return s.releaser(), nil
}

// Capacity returns the configured maximum.
func (s *Slots) Capacity() int {
	if s == nil {
		return 0
	}
	return int(s.max)
}

func (s *Slots) releaser() func() {
	var once sync.Once
	return func() { once.Do(func() { s.sem.Release(1) }) }
}
