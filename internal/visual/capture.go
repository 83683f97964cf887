// Package visual captures full-page screenshots of preview servers and
// computes pixel-level differences between them.
package visual

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	defaultWidth             = 1280
	defaultHeight            = 800
	defaultNavigationTimeout = 30 * time.Second
	defaultNetworkIdleWait   = 5 * time.Second
)

// Capturer renders a URL to PNG bytes.
type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// ChromeConfig configures the headless Chrome capturer.
type ChromeConfig struct {
	ExecPath          string // Empty = let chromedp find Chrome on PATH.
	Width             int
	Height            int
	NavigationTimeout time.Duration
	NetworkIdleWait   time.Duration // Upper bound on waiting for network idle after load.
	NoSandbox         bool          // Needed when running as root in containers.
}

// ChromeCapturer launches a dedicated headless browser per capture so two
// concurrent captures never share tabs, cookies or storage.
type ChromeCapturer struct {
	cfg    ChromeConfig
	logger *slog.Logger
}

// NewChromeCapturer creates a ChromeCapturer with defaults for zero fields.
func NewChromeCapturer(cfg ChromeConfig, logger *slog.Logger) *ChromeCapturer {
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = defaultHeight
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.NetworkIdleWait <= 0 {
		cfg.NetworkIdleWait = defaultNetworkIdleWait
	}
	return &ChromeCapturer{cfg: cfg, logger: logger}
}

// Capture navigates to url, waits for the load event and then for network
// idle (bounded by NetworkIdleWait), and returns a full-page PNG.
func (c *ChromeCapturer) Capture(ctx context.Context, url string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(c.cfg.Width, c.cfg.Height),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	if c.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancel := context.WithTimeout(browserCtx, c.cfg.NavigationTimeout)
	defer cancel()

	idle := make(chan struct{}, 1)
	chromedp.ListenTarget(runCtx, func(ev any) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && e.Name == "networkIdle" {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})

	start := time.Now()
	var buf []byte
	err := chromedp.Run(runCtx,
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(context.Context) error {
			// Drop the idle signal of the initial blank page.
			select {
			case <-idle:
			default:
			}
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			timer := time.NewTimer(c.cfg.NetworkIdleWait)
			defer timer.Stop()
			select {
			case <-idle:
			case <-timer.C:
				c.logger.Debug("network idle not observed, capturing anyway", slog.String("url", url))
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}),
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("capturing %s: %w", url, err)
	}

	c.logger.Info("page captured",
		slog.String("url", url),
		slog.Int("bytes", len(buf)),
		slog.Duration("duration", time.Since(start)),
	)
	return buf, nil
}
