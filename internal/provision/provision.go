// Package provision turns a repository ref into an installed project tree
// inside a job directory: clone, quota check, manifest inspection, install.
package provision

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/branchdiff/internal/sandbox"
	"github.com/jkaninda/branchdiff/internal/vcs"
)

const (
	// DefaultMaxSandboxBytes is the on-disk quota for a fresh checkout.
	DefaultMaxSandboxBytes int64 = 500 << 20

	defaultCloneTimeout   = 60 * time.Second
	defaultInstallTimeout = 5 * time.Minute
)

// Stage identifies a provisioning step for progress reporting.
type Stage string

const (
	StageCloning    Stage = "cloning"
	StageInstalling Stage = "installing"
)

// Config holds quota and per-step time budgets.
type Config struct {
	MaxSandboxBytes int64
	CloneTimeout    time.Duration
	InstallTimeout  time.Duration
}

// Request describes one provisioning run.
type Request struct {
	RepoURL string
	Ref     string
	Token   string
	// Dir is the job directory. The tree is cloned into Dir/src and Dir/home
	// serves as HOME for every script.
	Dir string
	// Log receives clone progress and install output. May be nil.
	Log io.Writer
	// OnStage is called as each step begins. May be nil.
	OnStage func(Stage)
}

// Provisioner prepares job directories.
type Provisioner struct {
	cloner  vcs.Cloner
	sandbox sandbox.Sandbox
	cfg     Config
	logger  *slog.Logger
}

// New creates a Provisioner.
func New(cloner vcs.Cloner, sbx sandbox.Sandbox, cfg Config, logger *slog.Logger) *Provisioner {
	if cfg.MaxSandboxBytes <= 0 {
		cfg.MaxSandboxBytes = DefaultMaxSandboxBytes
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = defaultCloneTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = defaultInstallTimeout
	}
	return &Provisioner{cloner: cloner, sandbox: sbx, cfg: cfg, logger: logger}
}

// Provision clones req.Ref into the job directory, enforces the size quota,
// detects the run mode and installs dependencies. Nothing outside req.Dir
// is written. On QuotaExceededError req.Dir is already gone and no install
// was attempted.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Project, error) {
	logw := req.Log
	if logw == nil {
		logw = io.Discard
	}
	stage := func(s Stage) {
		if req.OnStage != nil {
			req.OnStage(s)
		}
	}

	srcDir := filepath.Join(req.Dir, "src")
	homeDir := filepath.Join(req.Dir, "home")
	for _, d := range []string{srcDir, homeDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("creating job dir: %w", err)
		}
	}

	// 1. Shallow clone.
	stage(StageCloning)
	fmt.Fprintf(logw, "$ git clone --depth 1 --branch %s\n", req.Ref)
	cloneCtx, cancel := context.WithTimeout(ctx, p.cfg.CloneTimeout)
	err := p.cloner.Clone(cloneCtx, vcs.CloneRequest{
		URL:      req.RepoURL,
		Ref:      req.Ref,
		Token:    req.Token,
		Dir:      srcDir,
		Progress: logw,
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CloneError{Ref: req.Ref, Err: err}
	}

	// 2. Quota, before any install can grow the tree.
	size, err := DirSize(srcDir)
	if err != nil {
		return nil, fmt.Errorf("measuring checkout: %w", err)
	}
	if size > p.cfg.MaxSandboxBytes {
		if rmErr := os.RemoveAll(req.Dir); rmErr != nil {
			p.logger.Warn("failed to delete over-quota sandbox",
				slog.String("dir", req.Dir),
				slog.String("error", rmErr.Error()),
			)
		}
		p.logger.Warn("checkout exceeds sandbox quota",
			slog.String("ref", req.Ref),
			slog.Int64("size_bytes", size),
			slog.Int64("limit_bytes", p.cfg.MaxSandboxBytes),
		)
		return nil, &QuotaExceededError{SizeBytes: size, LimitBytes: p.cfg.MaxSandboxBytes}
	}

	// 3. Manifest.
	project, err := DetectProject(srcDir)
	if err != nil {
		return nil, err
	}
	project.HomeDir = homeDir
	project.SizeBytes = size

	// 4. Install.
	stage(StageInstalling)
	cmd := project.PackageManager.InstallCommand(project.HasLockfile)
	fmt.Fprintf(logw, "$ %s\n", strings.Join(cmd, " "))
	res, err := p.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    cmd,
		WorkingDir: srcDir,
		HomeDir:    homeDir,
		Output:     logw,
		Timeout:    p.cfg.InstallTimeout,
		Env:        map[string]string{"NODE_ENV": "development"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &InstallError{Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &InstallError{ExitCode: res.ExitCode}
	}

	p.logger.Info("project provisioned",
		slog.String("ref", req.Ref),
		slog.String("run_mode", string(project.RunMode)),
		slog.String("package_manager", string(project.PackageManager)),
		slog.Int64("checkout_bytes", size),
	)
	return project, nil
}

// DirSize sums the apparent size of regular files under dir. Symlinks are
// not followed.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
