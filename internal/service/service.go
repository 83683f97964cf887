// Package service is the pipeline endpoint: it validates a diff request,
// fills in the baseline ref, applies admission control and hands the
// request to the orchestrator.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/branchdiff/internal/observability"
	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/ratelimit"
	"github.com/jkaninda/branchdiff/internal/vcs"
)

// ErrBadRequest marks requests rejected before any sandbox is created.
var ErrBadRequest = errors.New("bad request")

// BranchResolver looks up a repository's default branch.
type BranchResolver interface {
	DefaultBranch(ctx context.Context, owner, repo, token string) (string, error)
}

// DiffRequest is what callers submit. Either Owner and Name or RepoURL
// identify the repository.
type DiffRequest struct {
	Owner        string            `json:"repositoryOwner"`
	Name         string            `json:"repositoryName"`
	RepoURL      string            `json:"repositoryUrl,omitempty"`
	BaselineRef  string            `json:"baselineRef,omitempty"`
	CandidateRef string            `json:"candidateRef"`
	AuthToken    string            `json:"authToken,omitempty"`
	User         string            `json:"-"`
	Observer     pipeline.Observer `json:"-"`
}

// Config holds endpoint settings.
type Config struct {
	CloneBaseURL    string
	DefaultBaseline string
	Token           string
	OverallTimeout  time.Duration
	// WaitForSlot makes Diff queue for a run slot instead of failing with
	// ratelimit.ErrBusy.
	WaitForSlot bool
}

// Service is the pipeline endpoint.
type Service struct {
	runner   pipeline.Runner
	resolver BranchResolver
	limiter  *ratelimit.Limiter
	slots    *ratelimit.Slots
	metrics  *observability.MetricsCollector
	observer pipeline.Observer
	tracker  *Tracker
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLimiter enables per-user rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithSlots caps concurrently running diffs.
func WithSlots(slots *ratelimit.Slots) Option {
	return func(s *Service) { s.slots = slots }
}

// WithMetrics records rejected requests.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithObserver receives the job events of every diff the service runs.
func WithObserver(o pipeline.Observer) Option {
	return func(s *Service) { s.observer = o }
}

// New creates a Service. resolver may be nil, in which case a missing
// baseline always falls back to cfg.DefaultBaseline.
func New(runner pipeline.Runner, resolver BranchResolver, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.CloneBaseURL == "" {
		cfg.CloneBaseURL = "https://github.com"
	}
	if cfg.DefaultBaseline == "" {
		cfg.DefaultBaseline = "main"
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = pipeline.DefaultOverallTimeout
	}
	s := &Service{
		runner:   runner,
		resolver: resolver,
		tracker:  NewTracker(),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// target is a validated request's repository and refs. baseline may be
// empty, meaning the repository's default branch.
type target struct {
	owner, name         string
	baseline, candidate string
}

func validate(req DiffRequest) (target, error) {
	owner, name, err := repository(req)
	if err != nil {
		return target{}, err
	}
	candidate := strings.TrimSpace(req.CandidateRef)
	if candidate == "" {
		return target{}, fmt.Errorf("%w: candidateRef is required", ErrBadRequest)
	}
	if !validRef(candidate) {
		return target{}, fmt.Errorf("%w: invalid candidateRef %q", ErrBadRequest, candidate)
	}
	baseline := strings.TrimSpace(req.BaselineRef)
	if baseline != "" && !validRef(baseline) {
		return target{}, fmt.Errorf("%w: invalid baselineRef %q", ErrBadRequest, baseline)
	}
	return target{owner: owner, name: name, baseline: baseline, candidate: candidate}, nil
}

// Validate returns the ErrBadRequest error Diff would fail req with, or nil.
// Admission control is not consulted.
func (s *Service) Validate(req DiffRequest) error {
	_, err := validate(req)
	return err
}

// Diff runs one visual diff. Errors are returned only for requests that
// never reached the orchestrator; pipeline failures come back inside the
// DiffResult.
func (s *Service) Diff(ctx context.Context, req DiffRequest) (*pipeline.DiffResult, error) {
	tgt, err := validate(req)
	if err != nil {
		return nil, err
	}
	owner, name, candidate, baseline := tgt.owner, tgt.name, tgt.candidate, tgt.baseline

	if err := s.limiter.Allow(req.User); err != nil {
		s.metrics.RecordRejected("rate_limited")
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		s.metrics.RecordRejected("busy")
		return nil, err
	}
	defer release()

	token := req.AuthToken
	if token == "" {
		token = s.cfg.Token
	}
	if baseline == "" {
		baseline = s.defaultBranch(ctx, owner, name, token)
	}

	s.logger.InfoContext(ctx, "Diff requested",
		slog.String("repo", owner+"/"+name),
		slog.String("baseline", baseline),
		slog.String("candidate", candidate),
		slog.String("user", req.User),
	)

	id, track := s.tracker.Begin(owner+"/"+name, baseline, candidate, req.User)
	defer s.tracker.End(id)

	return s.runner.Run(ctx, pipeline.Request{
		RepoURL:      vcs.CloneURL(s.cfg.CloneBaseURL, owner, name),
		BaselineRef:  baseline,
		CandidateRef: candidate,
		AuthToken:    token,
		Timeout:      s.cfg.OverallTimeout,
		Observer:     pipeline.Observers(track, s.observer, req.Observer),
	}), nil
}

// Active lists the diffs currently running.
func (s *Service) Active() []TrackedDiff {
	return s.tracker.Active()
}

// ErrorCode maps an error returned by Diff to a short machine-readable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ratelimit.ErrBusy):
		return "busy"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

func (s *Service) acquire(ctx context.Context) (func(), error) {
	if s.slots == nil {
		return func() {}, nil
	}
	if s.cfg.WaitForSlot {
		return s.slots.Acquire(ctx)
	}
	return s.slots.TryAcquire()
}

func (s *Service) defaultBranch(ctx context.Context, owner, name, token string) string {
	if s.resolver == nil {
		return s.cfg.DefaultBaseline
	}
	branch, err := s.resolver.DefaultBranch(ctx, owner, name, token)
	if err != nil {
		s.logger.WarnContext(ctx, "Default branch lookup failed, using fallback",
			slog.String("repo", owner+"/"+name),
			slog.String("fallback", s.cfg.DefaultBaseline),
			slog.String("error", err.Error()),
		)
		return s.cfg.DefaultBaseline
	}
	return branch
}

func repository(req DiffRequest) (owner, name string, err error) {
	owner, name = strings.TrimSpace(req.Owner), strings.TrimSpace(req.Name)
	if owner == "" && name == "" && strings.TrimSpace(req.RepoURL) != "" {
		owner, name, err = vcs.ParseRemoteURL(req.RepoURL)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	}
	if owner == "" || name == "" {
		return "", "", fmt.Errorf("%w: repositoryOwner and repositoryName are required", ErrBadRequest)
	}
	if !validName(owner) || !validName(name) {
		return "", "", fmt.Errorf("%w: invalid repository %q", ErrBadRequest, owner+"/"+name)
	}
	return owner, name, nil
}

func validName(s string) bool {
	if s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// validRef applies the subset of git's ref-name rules that matter for a
// branch or tag passed on the command line.
func validRef(ref string) bool {
	if strings.HasPrefix(ref, "-") || strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") ||
		strings.HasSuffix(ref, ".lock") || strings.Contains(ref, "..") || strings.Contains(ref, "@{") {
		return false
	}
	for _, r := range ref {
		if r <= ' ' || r == 0x7f || strings.ContainsRune("~^:?*[\\", r) {
			return false
		}
	}
	return true
}
