// Package supervisor brings up a provisioned project's preview server and
// owns the lifetime of the resulting process group.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/branchdiff/internal/provision"
	"github.com/jkaninda/branchdiff/internal/sandbox"
)

const defaultBuildTimeout = 5 * time.Minute

// Handle is a running preview server.
type Handle interface {
	PID() int
	Alive() bool
	Done() <-chan struct{}
	// Terminate stops the whole process group. Idempotent.
	Terminate()
}

// Stage identifies a supervisor step for progress reporting.
type Stage string

const (
	StageBuilding Stage = "building"
	StageStarting Stage = "starting"
)

// BuildError reports a failed production build.
type BuildError struct {
	ExitCode int
	Err      error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return "build failed: " + e.Err.Error()
	}
	return fmt.Sprintf("build failed with exit code %d", e.ExitCode)
}

func (e *BuildError) Unwrap() error { return e.Err }

// StartError reports a server process that could not be launched.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "server start failed: " + e.Err.Error() }
func (e *StartError) Unwrap() error { return e.Err }

// Config holds supervisor time budgets.
type Config struct {
	BuildTimeout time.Duration
}

// StartRequest describes one preview server.
type StartRequest struct {
	Project *provision.Project
	Port    uint16
	Log     io.Writer
	OnStage func(Stage)
}

// Supervisor runs build steps to completion and spawns servers.
type Supervisor struct {
	builder sandbox.Sandbox
	spawner sandbox.Spawner
	cfg     Config
	logger  *slog.Logger
}

// New creates a Supervisor. builder runs the build script; spawner launches
// the long-running server on the host so it can bind the loopback port.
func New(builder sandbox.Sandbox, spawner sandbox.Spawner, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	return &Supervisor{builder: builder, spawner: spawner, cfg: cfg, logger: logger}
}

// Start builds the project if its run mode requires it, then launches the
// server bound to req.Port. The returned Handle is live; readiness is the
// caller's concern.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (Handle, error) {
	p := req.Project
	if p == nil {
		return nil, fmt.Errorf("start request has no project")
	}
	logw := req.Log
	if logw == nil {
		logw = io.Discard
	}
	stage := func(st Stage) {
		if req.OnStage != nil {
			req.OnStage(st)
		}
	}

	script, nodeEnv := "dev", "development"
	switch p.RunMode {
	case provision.BuildThenStart:
		stage(StageBuilding)
		if err := s.build(ctx, p, logw); err != nil {
			return nil, err
		}
		script, nodeEnv = "start", "production"
	case provision.DevServer:
	default:
		return nil, fmt.Errorf("unknown run mode %q", p.RunMode)
	}

	stage(StageStarting)
	port := strconv.Itoa(int(req.Port))
	cmd := p.PackageManager.RunCommand(script, "--port", port)
	fmt.Fprintf(logw, "$ PORT=%s %s\n", port, strings.Join(cmd, " "))

	proc, err := s.spawner.Spawn(sandbox.ExecutionRequest{
		Command:    cmd,
		WorkingDir: p.SrcDir,
		HomeDir:    p.HomeDir,
		Output:     logw,
		Env: map[string]string{
			"PORT":     port,
			"NODE_ENV": nodeEnv,
			"BROWSER":  "none",
		},
	})
	if err != nil {
		return nil, &StartError{Err: err}
	}
	if ctx.Err() != nil {
		proc.Terminate()
		return nil, ctx.Err()
	}

	s.logger.Info("preview server started",
		slog.String("script", script),
		slog.Int("port", int(req.Port)),
		slog.Int("pid", proc.PID()),
	)
	return proc, nil
}

func (s *Supervisor) build(ctx context.Context, p *provision.Project, logw io.Writer) error {
	cmd := p.PackageManager.RunCommand("build")
	fmt.Fprintf(logw, "$ %s\n", strings.Join(cmd, " "))

	res, err := s.builder.Execute(ctx, sandbox.ExecutionRequest{
		Command:    cmd,
		WorkingDir: p.SrcDir,
		HomeDir:    p.HomeDir,
		Output:     logw,
		Timeout:    s.cfg.BuildTimeout,
		Env:        map[string]string{"NODE_ENV": "production"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &BuildError{Err: err}
	}
	if res.ExitCode != 0 {
		return &BuildError{ExitCode: res.ExitCode}
	}
	return nil
}

// Terminate stops h if it is non-nil. Safe to call repeatedly.
func Terminate(h Handle) {
	if h != nil {
		h.Terminate()
	}
}
