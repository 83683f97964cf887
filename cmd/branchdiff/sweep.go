package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/branchdiff/internal/janitor"
)

var (
	sweepMaxAge time.Duration
	sweepAll    bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove job directories left behind by crashed runs",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", 0, "remove job directories older than this (default: janitor.max_age_minutes or 30m)")
	sweepCmd.Flags().BoolVar(&sweepAll, "all", false, "remove every job directory regardless of age (stop the server first)")
}

func runSweep(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := initWorkspace(cfg)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}

	if sweepAll {
		if err := ws.CleanSandbox(); err != nil {
			return err
		}
		fmt.Printf("removed all job directories under %s\n", ws.SandboxDir())
		return nil
	}

	maxAge := sweepMaxAge
	if maxAge <= 0 {
		maxAge = cfg.Janitor.MaxAge()
	}

	j := janitor.New(ws, cfg.Janitor.CronSchedule(), maxAge, nil, logger)
	removed, err := j.Sweep(context.Background())
	fmt.Printf("removed %d job director%s older than %s\n", removed, plural(removed, "y", "ies"), maxAge)
	return err
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
