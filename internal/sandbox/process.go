package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 5 * time.Minute
	defaultPath    = "/usr/local/bin:/usr/bin:/bin"
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	// Path is the PATH given to children. Node toolchains installed outside
	// the system directories must be listed here.
	Path string
}

// ProcessSandbox executes commands as isolated OS processes.
//
// Guarantees:
//   - Process runs in its own process group (Setpgid), killed as a group
//   - On Linux the child is SIGKILLed if this process dies (Pdeathsig)
//   - No environment inheritance from the parent, only a minimal safe set
//   - Optional resource limits enforced via ulimit
//   - Captured stdout/stderr capped to prevent OOM
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	path           string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	return &ProcessSandbox{
		defaultTimeout: timeout,
		defaultLimits:  cfg.DefaultLimits,
		path:           path,
		logger:         logger,
	}
}

// Execute runs a command to completion. A non-zero exit code is a result,
// not an error.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workDir, homeDir, cleanup, err := s.prepareDirs(req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	limits := s.resolveLimits(req.Limits)
	cmd := exec.CommandContext(ctx, "/bin/sh", wrapArgs(limits, req.Command)...)
	cmd.Dir = workDir
	cmd.SysProcAttr = sysProcAttr()
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// npm lifecycle scripts may leave grandchildren holding the pipes open.
	cmd.WaitDelay = 5 * time.Second
	cmd.Env = buildEnv(s.path, homeDir, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = teeWriter(&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, req.Output)
	cmd.Stderr = teeWriter(&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}, req.Output)

	s.logger.Info("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if parent.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", parent.Err())
		}
		if ctx.Err() != nil {
			s.logger.Warn("sandbox execution timed out",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, &TimeoutError{Timeout: timeout}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	s.logger.Info("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// prepareDirs resolves the working and home directories, creating a
// temporary one when the request names neither.
func (s *ProcessSandbox) prepareDirs(req ExecutionRequest) (workDir, homeDir string, cleanup func(), err error) {
	cleanup = func() {}
	workDir, homeDir = req.WorkingDir, req.HomeDir
	if workDir != "" && homeDir != "" {
		return workDir, homeDir, cleanup, nil
	}

	tmpDir, err := os.MkdirTemp("", "branchdiff-sandbox-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("creating sandbox temp dir: %w", err)
	}
	cleanup = func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			s.logger.Warn("failed to remove sandbox temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}
	if workDir == "" {
		workDir = tmpDir
	}
	if homeDir == "" {
		homeDir = tmpDir
	}
	return workDir, homeDir, cleanup, nil
}

// resolveLimits merges request-level overrides with sandbox defaults.
func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// wrapArgs builds the /bin/sh arguments that apply ulimits and then exec the
// command:
//
//	sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ cmd args...
//
// The command is passed as positional parameters, never interpolated into
// the script.
func wrapArgs(limits ResourceLimits, command []string) []string {
	var script strings.Builder
	if limits.MaxMemoryMB > 0 {
		fmt.Fprintf(&script, "ulimit -v %d 2>/dev/null; ", limits.MaxMemoryMB*1024)
	}
	if limits.MaxCPUSeconds > 0 {
		fmt.Fprintf(&script, "ulimit -t %d 2>/dev/null; ", limits.MaxCPUSeconds)
	}
	script.WriteString(`exec "$@"`)

	args := make([]string, 0, 3+len(command))
	args = append(args, "-c", script.String(), "_") // "_" is the $0 placeholder
	return append(args, command...)
}

// buildEnv constructs a minimal environment. The parent's environment is
// never inherited, so server credentials such as the clone token cannot leak
// into repository scripts.
func buildEnv(path, homeDir string, extra map[string]string) []string {
	env := []string{
		"PATH=" + path,
		"HOME=" + homeDir,
		"TMPDIR=" + homeDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"CI=1",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func teeWriter(w io.Writer, extra io.Writer) io.Writer {
	if extra == nil {
		return w
	}
	return io.MultiWriter(w, extra)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
