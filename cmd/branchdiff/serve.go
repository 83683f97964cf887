package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/branchdiff/internal/config"
	"github.com/jkaninda/branchdiff/internal/gateway"
	"github.com/jkaninda/branchdiff/internal/gateway/httpapi"
	"github.com/jkaninda/branchdiff/internal/gateway/ws"
	"github.com/jkaninda/branchdiff/internal/janitor"
	goutils "github.com/jkaninda/go-utils"
)

var (
	configPath string
	verbose    bool
	servePort  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the WebSocket progress stream",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (BRANCHDIFF_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	// Register on both root and serve so that
	// `branchdiff --port :9090` and `branchdiff serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("BRANCHDIFF_CONFIG", configPath))
}

// runServe starts the HTTP gateway, the optional WebSocket stream and the janitor.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	httpCfg := cfg.Gateways.HTTP
	if httpCfg == nil || !httpCfg.Enabled {
		return fmt.Errorf("no gateways enabled in config")
	}

	logger.Info("starting branchdiff server", slog.String("config", configPath), slog.String("version", version))

	sc, err := initShared(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sweep job directories left behind by a previous crash.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		j := janitor.New(sc.Workspace, cfg.Janitor.CronSchedule(), cfg.Janitor.MaxAge(), sc.Obs.MetricsOrNil(), logger)
		stopJanitor, err := j.Start(ctx)
		if err != nil {
			return err
		}
		defer stopJanitor()
	}

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		APIKeys:        httpCfg.APIKeyUserMapping,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
		// Leave room past the pipeline budget for teardown and encoding.
		WriteTimeout: cfg.Pipeline.OverallTimeout() + cfg.Pipeline.TeardownGrace() + 30*time.Second,
	}
	if obs := sc.Obs; obs != nil {
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			gwCfg.Metrics = obs.Metrics
			if mc := cfg.Observability.Metrics; mc != nil {
				gwCfg.MetricsPath = mc.Path
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}
	gw := httpapi.NewGateway(gwCfg, sc.Service, logger)

	if wsCfg := cfg.Gateways.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer := ws.NewServer(sc.Service, wsCfg, httpCfg.APIKeyUserMapping, logger)
		gw.WithHandler(wsCfg.WSPath(), wsServer.Handler())
		logger.Debug("websocket stream mounted", slog.String("path", wsCfg.WSPath()))
	}

	gateways := []gateway.Gateway{gw}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, g := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(g)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}
