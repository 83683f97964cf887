package provision

import "fmt"

// CloneError reports that the ref could not be fetched.
type CloneError struct {
	Ref string
	Err error
}

func (e *CloneError) Error() string { return fmt.Sprintf("clone of %q failed: %v", e.Ref, e.Err) }
func (e *CloneError) Unwrap() error { return e.Err }

// QuotaExceededError reports a checkout larger than the sandbox quota. The
// sandbox has already been deleted when this is returned.
type QuotaExceededError struct {
	SizeBytes  int64
	LimitBytes int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: checkout is %d MB, limit is %d MB", e.SizeBytes>>20, e.LimitBytes>>20)
}

// UnsupportedProjectError reports a tree that has no runnable preview.
type UnsupportedProjectError struct {
	Reason string
}

func (e *UnsupportedProjectError) Error() string { return "unsupported project: " + e.Reason }

// InstallError reports a failed dependency install.
type InstallError struct {
	ExitCode int
	Err      error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return "dependency install failed: " + e.Err.Error()
	}
	return fmt.Sprintf("dependency install failed with exit code %d", e.ExitCode)
}

func (e *InstallError) Unwrap() error { return e.Err }
