// Package vcs fetches a single ref of a remote repository into a directory.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Sentinel errors, checkable with errors.Is.
var (
	ErrRefNotFound     = errors.New("ref not found on remote")
	ErrRepoNotFound    = errors.New("repository not found")
	ErrAuthRequired    = errors.New("authentication required")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrEmptyRepository = errors.New("remote repository is empty")
)

// CloneError wraps a failed clone with the ref that was requested.
type CloneError struct {
	URL string
	Ref string
	Err error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("cloning %s at %q: %v", e.URL, e.Ref, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// CloneRequest describes one shallow checkout.
type CloneRequest struct {
	URL   string
	Ref   string // Branch or tag name.
	Token string // Optional; sent as HTTP basic auth password.
	Dir   string // Must be empty or absent.
	// Progress receives the remote's sideband output. May be nil.
	Progress io.Writer
}

// Cloner checks out exactly one ref into a directory.
type Cloner interface {
	Clone(ctx context.Context, req CloneRequest) error
}

// GoGitCloner clones with go-git: depth 1, single branch, no tags.
type GoGitCloner struct {
	depth  int
	logger *slog.Logger
}

// NewGoGitCloner creates a shallow GoGitCloner.
func NewGoGitCloner(logger *slog.Logger) *GoGitCloner {
	return &GoGitCloner{depth: 1, logger: logger}
}

// WithDepth overrides the history depth. Zero fetches full history, which
// local file remotes require.
func (c *GoGitCloner) WithDepth(depth int) *GoGitCloner {
	c.depth = depth
	return c
}

// Clone fetches req.Ref as a branch, falling back to a tag of the same name.
func (c *GoGitCloner) Clone(ctx context.Context, req CloneRequest) error {
	if req.URL == "" || req.Ref == "" || req.Dir == "" {
		return &CloneError{URL: req.URL, Ref: req.Ref, Err: errors.New("url, ref and dir are required")}
	}

	start := time.Now()
	var lastErr error
	for _, ref := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(req.Ref),
		plumbing.NewTagReferenceName(req.Ref),
	} {
		err := c.cloneRef(ctx, req, ref)
		if err == nil {
			c.logger.Info("repository cloned",
				slog.String("url", redact(req.URL)),
				slog.String("ref", ref.String()),
				slog.Duration("duration", time.Since(start)),
			)
			return nil
		}
		lastErr = classify(err)
		if !errors.Is(lastErr, ErrRefNotFound) {
			break
		}
		if err := clearDir(req.Dir); err != nil {
			return &CloneError{URL: redact(req.URL), Ref: req.Ref, Err: err}
		}
	}
	return &CloneError{URL: redact(req.URL), Ref: req.Ref, Err: lastErr}
}

func (c *GoGitCloner) cloneRef(ctx context.Context, req CloneRequest, ref plumbing.ReferenceName) error {
	opts := &git.CloneOptions{
		URL:           req.URL,
		ReferenceName: ref,
		SingleBranch:  true,
		Depth:         c.depth,
		Tags:          git.NoTags,
		Progress:      req.Progress,
	}
	if req.Token != "" {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: req.Token}
	}
	_, err := git.PlainCloneContext(ctx, req.Dir, false, opts)
	return err
}

// classify maps go-git errors onto the package sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, git.NoMatchingRefSpecError{}):
		return fmt.Errorf("%w: %v", ErrRefNotFound, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %v", ErrRepoNotFound, err)
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	case errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return fmt.Errorf("%w: %v", ErrEmptyRepository, err)
	}
	return err
}

// clearDir removes everything inside dir but keeps dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// redact strips userinfo so tokens embedded in URLs never reach logs.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.Index(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	return scheme + "://" + rest
}
