package probe

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock advances virtual time on every After call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func newTestProber(clock Clock) *Prober {
	return New(Config{
		Interval:       2 * time.Second,
		RequestTimeout: time.Second,
		Host:           "127.0.0.1",
		Clock:          clock,
	}, slog.Default())
}

func serverPort(t *testing.T, srv *httptest.Server) uint16 {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return uint16(p)
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return uint16(port)
}

func TestWaitReady_ImmediateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProber(&fakeClock{now: time.Unix(0, 0)})
	if err := p.WaitReady(context.Background(), serverPort(t, srv), 30*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestWaitReady_BecomesReadyAfterErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 4 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestProber(&fakeClock{now: time.Unix(0, 0)})
	if err := p.WaitReady(context.Background(), serverPort(t, srv), 30*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestWaitReady_TimesOut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	p := newTestProber(clock)

	err := p.WaitReady(context.Background(), closedPort(t), 10*time.Second)

	var rte *ReadinessTimeoutError
	if !errors.As(err, &rte) {
		t.Fatalf("err = %v, want *ReadinessTimeoutError", err)
	}
	// 2s interval over a 10s budget: attempts at t=0,2,4,6,8,10.
	if rte.Attempts != 6 {
		t.Errorf("Attempts = %d, want 6", rte.Attempts)
	}
	if elapsed := clock.Now().Sub(time.Unix(0, 0)); elapsed != 10*time.Second {
		t.Errorf("virtual elapsed = %s, want 10s", elapsed)
	}
}

func TestWaitReady_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestProber(&fakeClock{now: time.Unix(0, 0)})
	err := p.WaitReady(ctx, closedPort(t), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWaitReadyWhile_ProcessExited(t *testing.T) {
	p := newTestProber(&fakeClock{now: time.Unix(0, 0)})
	err := p.WaitReadyWhile(context.Background(), closedPort(t), time.Minute, func() bool { return false })
	if !errors.Is(err, ErrProcessExited) {
		t.Errorf("err = %v, want ErrProcessExited", err)
	}
}
