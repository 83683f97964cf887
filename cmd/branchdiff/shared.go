package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/branchdiff/internal/config"
	"github.com/jkaninda/branchdiff/internal/observability"
	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/probe"
	"github.com/jkaninda/branchdiff/internal/provision"
	"github.com/jkaninda/branchdiff/internal/ratelimit"
	"github.com/jkaninda/branchdiff/internal/repometa"
	"github.com/jkaninda/branchdiff/internal/sandbox"
	"github.com/jkaninda/branchdiff/internal/secrets"
	"github.com/jkaninda/branchdiff/internal/service"
	"github.com/jkaninda/branchdiff/internal/supervisor"
	"github.com/jkaninda/branchdiff/internal/vcs"
	"github.com/jkaninda/branchdiff/internal/visual"
	"github.com/jkaninda/branchdiff/internal/workspace"
)

// SharedComponents holds everything the serve, run and mcp commands need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Obs       *observability.Observability
	Sandbox   sandbox.Sandbox
	Runner    pipeline.Runner
	Service   *service.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared wires the pipeline from config.
// waitForSlot makes diffs queue for a run slot instead of failing busy,
// which suits the one-shot and stdio commands.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, waitForSlot bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger,
		observability.WithBuildInfo(version, cfg.Sandbox.RuntimeName()))
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Sandbox for install and build steps.
	sbx, err := initSandbox(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	logger.Debug("sandbox initialized",
		slog.String("runtime", cfg.Sandbox.RuntimeName()),
		slog.Int("max_memory_mb", cfg.Sandbox.MaxMemoryMB),
	)
	sbx = obs.WrapSandbox(sbx, cfg.Sandbox.RuntimeName())
	sc.Sandbox = sbx

	// Preview servers always run as host processes so the prober and the
	// browser can reach them on loopback.
	spawner := sandbox.NewProcessSandbox(processConfig(cfg), logger)

	p := &cfg.Pipeline
	cloner := vcs.NewGoGitCloner(logger)
	if cfg.Git.Depth > 0 {
		cloner.WithDepth(cfg.Git.Depth)
	}
	provisioner := provision.New(cloner, sbx, provision.Config{
		MaxSandboxBytes: p.MaxSandboxBytes(),
		CloneTimeout:    p.CloneTimeout(),
		InstallTimeout:  p.InstallTimeout(),
	}, logger)
	starter := supervisor.New(sbx, spawner, supervisor.Config{BuildTimeout: p.BuildTimeout()}, logger)
	prober := probe.New(probe.Config{
		Interval:       p.ProbeInterval(),
		RequestTimeout: p.ProbeRequestTimeout(),
	}, logger)
	capturer := visual.NewChromeCapturer(visual.ChromeConfig{
		ExecPath:          cfg.Browser.ExecPath,
		Width:             cfg.Browser.Width,
		Height:            cfg.Browser.Height,
		NavigationTimeout: p.NavigationTimeout(),
		NetworkIdleWait:   cfg.Browser.NetworkIdleWait(),
		NoSandbox:         cfg.Browser.NoSandbox,
	}, logger)

	orch := pipeline.New(ws, provisioner, starter, prober, capturer, pipeline.Config{
		OverallTimeout:    p.OverallTimeout(),
		ReadinessTimeout:  p.ReadinessTimeout(),
		LogRetentionChars: p.LogChars(),
		JobLogBytes:       p.JobLogBytes,
		DiffThreshold:     p.DiffThreshold,
		TeardownGrace:     p.TeardownGrace(),
	}, logger, obs.PipelineOptions()...)
	sc.Runner = obs.WrapRunner(orch)

	// The configured token may be a secret reference. Per-request tokens
	// are always used literally.
	token, err := resolveGitToken(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving git.token: %w", err)
	}

	// Endpoint: validation, admission control, baseline resolution.
	meta := repometa.New(cfg.Git.RESTURL(), cfg.Git.APITimeout(), logger)
	sc.Service = service.New(sc.Runner, meta, service.Config{
		CloneBaseURL:    cfg.Git.CloneBaseURL(),
		DefaultBaseline: p.Baseline(),
		Token:           token,
		OverallTimeout:  p.OverallTimeout(),
		WaitForSlot:     waitForSlot,
	}, logger,
		service.WithLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})),
		service.WithSlots(ratelimit.NewSlots(cfg.RateLimit.ConcurrentRuns())),
		service.WithMetrics(obs.MetricsOrNil()),
		service.WithObserver(logStateChanges(logger)),
	)
	logger.Debug("pipeline initialized",
		slog.String("overall_timeout", p.OverallTimeout().String()),
		slog.Int("max_concurrent_runs", cfg.RateLimit.ConcurrentRuns()),
	)

	registerHealthChecks(cfg, sc)

	return sc, nil
}

// initWorkspace creates and returns the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	root := cfg.ResolvedWorkspace()
	if root == "" {
		return workspace.Default()
	}
	return workspace.New(root)
}

func processConfig(cfg *config.Config) sandbox.ProcessConfig {
	return sandbox.ProcessConfig{
		DefaultTimeout: cfg.Pipeline.BuildTimeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
		Path: cfg.Sandbox.Path,
	}
}

// initSandbox creates the appropriate sandbox based on the configured runtime.
func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.RuntimeName() {
	case "docker":
		d := cfg.Sandbox.Docker
		pids := d.PIDsLimit
		if pids == 0 {
			pids = cfg.Sandbox.MaxProcesses
		}
		memory := d.MemoryMB
		if memory == 0 {
			memory = cfg.Sandbox.MaxMemoryMB
		}
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          d.Image,
			DefaultTimeout: cfg.Pipeline.InstallTimeout(),
			MemoryMB:       memory,
			CPUCores:       d.CPUCores,
			PIDsLimit:      pids,
			// Installs fetch from the package registry.
			NetworkAllowed: true,
			User:           d.User,
		}, logger), nil
	case "process":
		return sandbox.NewProcessSandbox(processConfig(cfg), logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox runtime: %q (supported: process, docker)", cfg.Sandbox.Runtime)
	}
}

func resolveGitToken(cfg *config.Config) (string, error) {
	providers := []secrets.Provider{secrets.NewEnvProvider(), secrets.NewFileProvider()}
	if strings.HasPrefix(cfg.Git.Token, "vault://") {
		var vc config.VaultConfig
		if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
			vc = *cfg.Secrets.Vault
		}
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:       vc.Address,
			Token:         vc.Token,
			Namespace:     vc.Namespace,
			Timeout:       time.Duration(vc.TimeoutSeconds) * time.Second,
			TLSSkipVerify: vc.TLSSkipVerify,
		})
		if err != nil {
			return "", err
		}
		providers = append(providers, vp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return secrets.NewResolver(providers...).Resolve(ctx, cfg.Git.Token)
}

// registerHealthChecks adds the readiness checks selected in config.
func registerHealthChecks(cfg *config.Config, sc *SharedComponents) {
	if sc.Obs == nil || sc.Obs.Health == nil {
		return
	}
	h := sc.Obs.Health
	ws := sc.Workspace
	h.AddCheck("workspace", func(context.Context) error { return ws.Writable() })

	hc := cfg.Observability.Health
	if hc == nil {
		return
	}
	if hc.IncludeBrowser {
		h.AddCheck("browser", observability.BinaryCheck(cfg.Browser.ExecPath,
			"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"))
	}
	if hc.IncludePackageManager {
		h.AddCheck("package_manager", observability.BinaryCheck("", "npm", "pnpm", "yarn"))
	}
	if hc.IncludeSandbox && cfg.Sandbox.RuntimeName() == "docker" {
		h.AddCheck("sandbox", observability.CommandCheck("docker", "info"))
	}
}

// logStateChanges logs every job transition at debug level.
func logStateChanges(logger *slog.Logger) pipeline.Observer {
	return func(ev pipeline.Event) {
		attrs := []any{
			slog.String("request_id", ev.RequestID),
			slog.String("role", string(ev.Role)),
			slog.String("ref", ev.Ref),
			slog.String("from", string(ev.PreviousState)),
			slog.String("to", string(ev.State)),
		}
		if ev.Error != "" {
			attrs = append(attrs, slog.String("error_kind", string(ev.Kind)), slog.String("error", ev.Error))
		}
		logger.Debug("job state changed", attrs...)
	}
}
