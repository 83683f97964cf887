package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// outputDrainDelay bounds how long Wait keeps copying output after exit.
const outputDrainDelay = 3 * time.Second

// Process is a handle to a spawned process group.
type Process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	once   sync.Once
	logger *slog.Logger

	// mu orders group kills against the leader being reaped. Once exited
	// is set the group has been swept and the leader is about to be reaped.
	mu     sync.Mutex
	exited bool
}

// Spawn starts req.Command in the background. The command keeps running
// until it exits or Terminate is called; req.Timeout is not applied, and
// of the resource limits only the memory cap is.
func (s *ProcessSandbox) Spawn(req ExecutionRequest) (*Process, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if req.WorkingDir == "" {
		return nil, fmt.Errorf("spawn requires a working directory")
	}
	homeDir := req.HomeDir
	if homeDir == "" {
		homeDir = req.WorkingDir
	}

	cmd := exec.Command("/bin/sh", wrapArgs(serverLimits(s.resolveLimits(req.Limits)), req.Command)...)
	cmd.Dir = req.WorkingDir
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = buildEnv(s.path, homeDir, req.Env)
	if req.Output != nil {
		cmd.Stdout = req.Output
		cmd.Stderr = req.Output
	}
	cmd.WaitDelay = outputDrainDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %v: %w", req.Command, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{}), logger: s.logger}
	go func() {
		// Sweep orphans while the unreaped leader still pins the group id.
		waitExit(cmd.Process.Pid)
		p.mu.Lock()
		p.killGroup()
		p.exited = true
		p.mu.Unlock()
		p.err = cmd.Wait()
		close(p.done)
	}()

	s.logger.Info("sandbox process spawned",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

// serverLimits drops the CPU-seconds cap. It bounds install and build
// steps; a server that compiles pages on demand accumulates CPU time for
// as long as the diff runs and would be killed partway through.
func serverLimits(l ResourceLimits) ResourceLimits {
	l.MaxCPUSeconds = 0
	return l
}

// PID returns the process (and process group) ID.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Alive reports whether the process has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the wait error after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Terminate SIGKILLs the whole process group and waits for the leader to
// be reaped. Safe to call more than once and on an already-exited process,
// whose group was swept when it exited.
func (p *Process) Terminate() {
	p.once.Do(func() {
		p.mu.Lock()
		wasAlive := !p.exited
		if wasAlive {
			p.killGroup()
		}
		p.mu.Unlock()
		<-p.done
		if wasAlive {
			p.logger.Info("sandbox process terminated", slog.Int("pid", p.PID()))
		}
	})
}

func (p *Process) killGroup() {
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("killing process group failed", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
}
