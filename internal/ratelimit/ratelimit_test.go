package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("unlimited limiter refused request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	now := time.Now()
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("burst request %d refused: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third request: got %v, want ErrRateLimited", err)
	}

	// Another user has an independent bucket.
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob refused: %v", err)
	}

	now = now.Add(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("request after refill refused: %v", err)
	}
}

func TestSlots_TryAcquire(t *testing.T) {
	s := NewSlots(1)
	release, err := s.TryAcquire()
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := s.TryAcquire(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire: got %v, want ErrBusy", err)
	}
	release()
	release() // idempotent

	release2, err := s.TryAcquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestSlots_AcquireHonoursContext(t *testing.T) {
	s := NewSlots(1)
	release, _ := s.TryAcquire()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestSlots_Nil(t *testing.T) {
	var s *Slots
	release, err := s.TryAcquire()
	if err != nil {
		t.Fatal(err)
	}
	release()
	if s.Capacity() != 0 {
		t.Error("nil slots capacity should be 0")
	}
}
