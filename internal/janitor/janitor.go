// Package janitor removes sandbox directories orphaned by a crashed or
// killed process. Live runs always clean up after themselves; the janitor
// only sees leftovers.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/branchdiff/internal/observability"
)

// Dirs is the slice of the workspace the janitor needs.
type Dirs interface {
	StaleJobDirs(maxAge time.Duration, now time.Time) ([]string, error)
	RemoveJobDir(path string) error
}

// Janitor sweeps stale job directories on a cron schedule.
type Janitor struct {
	dirs     Dirs
	schedule string
	maxAge   time.Duration
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Janitor. schedule is a standard five-field cron spec.
func New(dirs Dirs, schedule string, maxAge time.Duration, metrics *observability.MetricsCollector, logger *slog.Logger) *Janitor {
	return &Janitor{
		dirs:     dirs,
		schedule: schedule,
		maxAge:   maxAge,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Start sweeps once immediately and then on every scheduled tick. The
// returned function stops the schedule and waits for a running sweep.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)))
	if _, err := c.AddFunc(j.schedule, func() { j.sweepLogged(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	j.sweepLogged(ctx)
	c.Start()
	j.logger.InfoContext(ctx, "sandbox janitor started",
		slog.String("schedule", j.schedule),
		slog.String("max_age", j.maxAge.String()),
	)

	return func() {
		<-c.Stop().Done()
		j.logger.Info("sandbox janitor stopped")
	}, nil
}

// Sweep removes every job directory older than the configured age and
// returns how many were removed. It keeps going past individual failures
// and reports the first one.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	stale, err := j.dirs.StaleJobDirs(j.maxAge, j.now())
	if err != nil {
		return 0, err
	}
	var (
		removed  int
		firstErr error
	)
	for _, dir := range stale {
		if ctx.Err() != nil {
			break
		}
		if err := j.dirs.RemoveJobDir(dir); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
		j.logger.DebugContext(ctx, "removed stale job dir", slog.String("dir", dir))
	}
	j.metrics.RecordJanitorRemoved(removed)
	return removed, firstErr
}

func (j *Janitor) sweepLogged(ctx context.Context) {
	removed, err := j.Sweep(ctx)
	if err != nil {
		j.logger.WarnContext(ctx, "janitor sweep incomplete",
			slog.Int("removed", removed),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		j.logger.InfoContext(ctx, "janitor removed stale job dirs", slog.Int("removed", removed))
	}
}
