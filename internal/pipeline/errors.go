package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/branchdiff/internal/probe"
	"github.com/jkaninda/branchdiff/internal/provision"
	"github.com/jkaninda/branchdiff/internal/supervisor"
	"github.com/jkaninda/branchdiff/internal/vcs"
)

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	KindClone              ErrorKind = "clone"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindUnsupportedProject ErrorKind = "unsupported_project"
	KindInstall            ErrorKind = "install"
	KindBuild              ErrorKind = "build"
	KindStart              ErrorKind = "start"
	KindReadinessTimeout   ErrorKind = "readiness_timeout"
	KindOverallTimeout     ErrorKind = "overall_timeout"
	KindCapture            ErrorKind = "capture"
	KindCompare            ErrorKind = "compare"
	KindInternal           ErrorKind = "internal"
)

// StageError is the failure attached to a BuildJob.
type StageError struct {
	Kind  ErrorKind
	Role  Role
	Ref   string
	State State // state the job was in when it failed
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Role, e.Ref, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// OverallTimeoutError reports that the run's total budget ran out.
type OverallTimeoutError struct {
	Timeout time.Duration
	State   State
}

func (e *OverallTimeoutError) Error() string {
	return fmt.Sprintf("overall timeout of %s exceeded while %s", e.Timeout, stateVerb(e.State))
}

// CaptureError reports a screenshot failure.
type CaptureError struct {
	URL string
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("capture of %s failed: %v", e.URL, e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// PanicError carries a recovered panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("internal error: %v", e.Value) }

// classify maps a stage error to its kind. Errors observed after the overall
// deadline passed are attributed to the deadline.
func classify(runCtx context.Context, err error) ErrorKind {
	var (
		quota       *provision.QuotaExceededError
		unsupported *provision.UnsupportedProjectError
		install     *provision.InstallError
		cloneErr    *provision.CloneError
		vcsErr      *vcs.CloneError
		build       *supervisor.BuildError
		start       *supervisor.StartError
		readiness   *probe.ReadinessTimeoutError
		overall     *OverallTimeoutError
		capture     *CaptureError
	)
	switch {
	case errors.As(err, &overall):
		return KindOverallTimeout
	case runCtx != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return KindOverallTimeout
	case errors.As(err, &quota):
		return KindQuotaExceeded
	case errors.As(err, &unsupported):
		return KindUnsupportedProject
	case errors.As(err, &cloneErr), errors.As(err, &vcsErr):
		return KindClone
	case errors.As(err, &install):
		return KindInstall
	case errors.As(err, &build):
		return KindBuild
	case errors.As(err, &start), errors.Is(err, probe.ErrProcessExited):
		return KindStart
	case errors.As(err, &readiness):
		return KindReadinessTimeout
	case errors.As(err, &capture):
		return KindCapture
	default:
		return KindInternal
	}
}

func stateVerb(s State) string {
	switch s {
	case StatePending:
		return "pending"
	case StateCloning:
		return "cloning"
	case StateInstalling:
		return "installing dependencies"
	case StateBuilding:
		return "building"
	case StateStarting:
		return "starting the server"
	case StateAwaitingReady:
		return "waiting for the server to become ready"
	case StateCaptured:
		return "comparing screenshots"
	default:
		return string(s)
	}
}
