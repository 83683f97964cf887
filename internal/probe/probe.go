// Package probe polls a local preview server until it answers HTTP.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultInterval       = 2 * time.Second
	defaultRequestTimeout = 2 * time.Second
	defaultHost           = "localhost"
)

// ErrProcessExited is returned when the supervised server dies while the
// prober is still waiting for it.
var ErrProcessExited = errors.New("server process exited before becoming ready")

// ReadinessTimeoutError reports that the server never answered in time.
type ReadinessTimeoutError struct {
	Port     uint16
	Timeout  time.Duration
	Attempts int
	LastErr  error
}

func (e *ReadinessTimeoutError) Error() string {
	msg := fmt.Sprintf("server on port %d not ready after %s (%d attempts)", e.Port, e.Timeout, e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.LastErr }

// Clock abstracts time so tests can drive the polling loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config controls polling cadence.
type Config struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Host           string
	Clock          Clock
	Client         *http.Client
}

// Prober performs readiness checks against http://<host>:<port>/.
type Prober struct {
	interval       time.Duration
	requestTimeout time.Duration
	host           string
	clock          Clock
	client         *http.Client
	logger         *slog.Logger
}

// New creates a Prober. Zero config values take defaults.
func New(cfg Config, logger *slog.Logger) *Prober {
	p := &Prober{
		interval:       cfg.Interval,
		requestTimeout: cfg.RequestTimeout,
		host:           cfg.Host,
		clock:          cfg.Clock,
		client:         cfg.Client,
		logger:         logger,
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = defaultRequestTimeout
	}
	if p.host == "" {
		p.host = defaultHost
	}
	if p.clock == nil {
		p.clock = realClock{}
	}
	if p.client == nil {
		p.client = &http.Client{
			// Redirects count as "up"; never follow them off-host.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return p
}

// WaitReady blocks until GET / on the port returns a status below 500, the
// timeout elapses, or ctx is done. Connection refusals are retried.
func (p *Prober) WaitReady(ctx context.Context, port uint16, timeout time.Duration) error {
	return p.WaitReadyWhile(ctx, port, timeout, nil)
}

// WaitReadyWhile is WaitReady with a liveness check consulted between
// attempts. A nil alive func means the process is assumed to be running.
func (p *Prober) WaitReadyWhile(ctx context.Context, port uint16, timeout time.Duration, alive func() bool) error {
	url := "http://" + p.host + ":" + strconv.Itoa(int(port)) + "/"
	deadline := p.clock.Now().Add(timeout)

	var lastErr error
	for attempt := 1; ; attempt++ {
		status, err := p.probeOnce(ctx, url)
		if err == nil && status < http.StatusInternalServerError {
			p.logger.Debug("preview server ready",
				slog.Int("port", int(port)),
				slog.Int("status", status),
				slog.Int("attempts", attempt),
			)
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if alive != nil && !alive() {
			return ErrProcessExited
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return &ReadinessTimeoutError{Port: port, Timeout: timeout, Attempts: attempt, LastErr: lastErr}
		}
		wait := min(p.interval, remaining)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(wait):
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
