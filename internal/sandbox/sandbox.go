// Package sandbox runs install and build commands, and spawns preview
// servers, as isolated OS processes confined to a job directory.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Sandbox executes a command to completion.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// Spawner starts a long-running command and returns a handle to it.
type Spawner interface {
	Spawn(req ExecutionRequest) (*Process, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments (e.g. ["npm", "ci"]).
	Command []string

	// WorkingDir is the directory the command runs in. Empty = isolated temp dir.
	WorkingDir string

	// HomeDir becomes HOME and TMPDIR. Empty = WorkingDir's temp sibling.
	HomeDir string

	// Env adds variables on top of the sanitized base set.
	Env map[string]string

	// Output, if set, receives stdout and stderr as they are produced.
	Output io.Writer

	// Timeout overrides the sandbox default. Zero = use default.
	// Ignored by Spawn.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t). Zero = unlimited.
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v). Zero = unlimited.
}

// ExecutionResult captures the outcome of a command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TimeoutError is returned when a command exceeded its own timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "execution timed out after " + e.Timeout.String()
}
