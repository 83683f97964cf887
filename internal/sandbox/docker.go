package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

const (
	defaultDockerPIDsLimit = 512
	defaultDockerCPUCores  = 2.0
	defaultDockerMemoryMB  = 2048
	defaultDockerImage     = "node:22-bookworm-slim"
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image          string        // Container image carrying node and the package managers.
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none (no network stack at all).
	// User is passed to --user. Empty = the calling process's uid:gid, so
	// files written into bind-mounted job directories stay removable.
	User string
}

// DockerSandbox runs install and build steps inside ephemeral containers.
// The job's working and home directories are bind-mounted at the same
// absolute paths, so the produced node_modules and build output land in the
// job directory exactly as with ProcessSandbox.
//
// Hardening:
//   - One container per execution (--rm, plus deferred docker rm -f safety net)
//   - All capabilities dropped, no-new-privileges, read-only root filesystem
//   - Runs as the calling user, never root
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - stdout/stderr capped to prevent OOM on the host
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.User == "" {
		cfg.User = strconv.Itoa(os.Getuid()) + ":" + strconv.Itoa(os.Getgid())
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerSandbox{
		config: cfg,
		logger: logger,
	}
}

// Execute runs a command inside an ephemeral Docker container with full hardening.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("docker sandbox requires a working directory")
	}

	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. Generate unique container name.
	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	// 3. Resolve resource limits.
	memoryMB := s.config.MemoryMB
	if req.Limits.MaxMemoryMB > 0 {
		memoryMB = req.Limits.MaxMemoryMB
	}

	// 4. Build docker run command with all security flags.
	args := s.buildDockerArgs(containerName, memoryMB, req)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, "docker", args...)

	// Kill the docker process on context cancellation.
	// Docker will also stop the container since the client disconnects.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	// 5. Capture stdout/stderr with size cap.
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = teeWriter(&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, req.Output)
	cmd.Stderr = teeWriter(&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}, req.Output)

	// 6. Execute and measure.
	s.logger.Info("docker sandbox executing",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Any("command", req.Command),
		slog.Int("memory_mb", memoryMB),
		slog.Float64("cpu_cores", s.config.CPUCores),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// 7. Safety net: force remove the container in case --rm didn't fire
	// (e.g., OOM kill, daemon restart, context cancel race).
	s.forceRemoveContainer(containerName)

	// 8. Interpret result.
	exitCode := 0
	if runErr != nil {
		if parent.Err() != nil {
			return nil, fmt.Errorf("execution cancelled: %w", parent.Err())
		}
		if ctx.Err() != nil {
			s.logger.Warn("docker sandbox timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, &TimeoutError{Timeout: timeout}
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	s.logger.Info("docker sandbox completed",
		slog.String("container", containerName),
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

// buildDockerArgs constructs the docker run argument list. The command itself
// is not included; the caller appends it.
func (s *DockerSandbox) buildDockerArgs(name string, memoryMB int, req ExecutionRequest) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(s.config.PIDsLimit)

	homeDir := req.HomeDir
	if homeDir == "" {
		homeDir = req.WorkingDir
	}

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=" + s.config.User,

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = no swap.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,nosuid,size=256m",

		// --- Job directories at their host paths ---
		"--volume", req.WorkingDir + ":" + req.WorkingDir + ":rw",
		"--workdir", req.WorkingDir,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + homeDir,
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--env", "CI=1",
	}
	if homeDir != req.WorkingDir {
		args = append(args, "--volume", homeDir+":"+homeDir+":rw")
	}

	if s.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Image (must come after all flags, before command).
	args = append(args, s.config.Image)

	return args
}

// forceRemoveContainer removes a container by name in case --rm did not
// fire (OOM kill, daemon restart, cancel race). Errors are only logged.
func (s *DockerSandbox) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique container name: branchdiff-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "branchdiff-" + hex.EncodeToString(b), nil
}
