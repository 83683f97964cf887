// Package pipeline runs the baseline and candidate builds of a visual diff
// side by side, captures both previews, compares them and tears everything
// down before returning.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/branchdiff/internal/logtail"
	"github.com/jkaninda/branchdiff/internal/ports"
	"github.com/jkaninda/branchdiff/internal/provision"
	"github.com/jkaninda/branchdiff/internal/supervisor"
	"github.com/jkaninda/branchdiff/internal/visual"
)

const (
	DefaultOverallTimeout    = 90 * time.Second
	DefaultReadinessTimeout  = 30 * time.Second
	DefaultLogRetentionChars = 3000
	DefaultJobLogBytes       = logtail.DefaultCapacity
	DefaultTeardownGrace     = 10 * time.Second
)

// Dirs hands out and reclaims job directories.
type Dirs interface {
	JobDir(requestID, role string) string
	RemoveJobDir(path string) error
}

// Provisioner materializes a ref into a job directory.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.Project, error)
}

// Starter launches a provisioned project's server.
type Starter interface {
	Start(ctx context.Context, req supervisor.StartRequest) (supervisor.Handle, error)
}

// ReadinessProber waits for a server to answer HTTP.
type ReadinessProber interface {
	WaitReadyWhile(ctx context.Context, port uint16, timeout time.Duration, alive func() bool) error
}

// Runner is anything that can execute a diff request.
type Runner interface {
	Run(ctx context.Context, req Request) *DiffResult
}

// Config holds the orchestrator's budgets.
type Config struct {
	OverallTimeout    time.Duration
	ReadinessTimeout  time.Duration
	LogRetentionChars int
	JobLogBytes       int
	DiffThreshold     float64
	// TeardownGrace bounds how long Run waits for tracks to unwind after
	// cancellation before cleaning up around them.
	TeardownGrace time.Duration
}

// Request is one diff to compute.
type Request struct {
	RepoURL      string
	BaselineRef  string
	CandidateRef string
	AuthToken    string
	// Timeout overrides Config.OverallTimeout when positive.
	Timeout  time.Duration
	Observer Observer
}

// Orchestrator composes provisioning, startup, readiness, capture and
// comparison for two refs.
type Orchestrator struct {
	dirs        Dirs
	provisioner Provisioner
	starter     Starter
	prober      ReadinessProber
	capturer    visual.Capturer
	ports       ports.Allocator
	tracer      trace.Tracer
	cfg         Config
	logger      *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTracer records a span per run and per stage.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithPortAllocator replaces the loopback allocator.
func WithPortAllocator(a ports.Allocator) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.ports = a
		}
	}
}

// New creates an Orchestrator.
func New(dirs Dirs, p Provisioner, s Starter, pr ReadinessProber, c visual.Capturer, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = DefaultOverallTimeout
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = DefaultReadinessTimeout
	}
	if cfg.LogRetentionChars <= 0 {
		cfg.LogRetentionChars = DefaultLogRetentionChars
	}
	if cfg.JobLogBytes <= 0 {
		cfg.JobLogBytes = DefaultJobLogBytes
	}
	if cfg.DiffThreshold <= 0 {
		cfg.DiffThreshold = visual.DefaultThreshold
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = DefaultTeardownGrace
	}
	o := &Orchestrator{
		dirs:        dirs,
		provisioner: p,
		starter:     s,
		prober:      pr,
		capturer:    c,
		ports:       ports.Loopback,
		tracer:      noop.NewTracerProvider().Tracer("branchdiff/pipeline"),
		cfg:         cfg,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run holds the per-request state shared by both tracks.
type run struct {
	id       string
	req      Request
	timeout  time.Duration
	combined *logtail.Buffer
	prefixes []*logtail.PrefixWriter
	jobs     []*BuildJob
	logger   *slog.Logger
}

// Run executes the request and always returns a result. Both job
// directories are removed and both servers are killed before it returns,
// whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (result *DiffResult) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.OverallTimeout
	}
	r := &run{
		id:       uuid.NewString(),
		req:      req,
		timeout:  timeout,
		combined: logtail.New(o.cfg.JobLogBytes * 2),
	}
	r.logger = o.logger.With("request_id", r.id)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request.id", r.id),
		attribute.String("ref.baseline", req.BaselineRef),
		attribute.String("ref.candidate", req.CandidateRef),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, timeout)

	for _, role := range []Role{RoleBaseline, RoleCandidate} {
		ref := req.BaselineRef
		if role == RoleCandidate {
			ref = req.CandidateRef
		}
		pw := logtail.NewPrefixWriter(r.combined, "["+string(role)+"] ")
		r.prefixes = append(r.prefixes, pw)
		r.jobs = append(r.jobs, newJob(r.id, role, ref, o.dirs.JobDir(r.id, string(role)), o.cfg.JobLogBytes, pw, req.Observer))
	}

	var tracks sync.WaitGroup
	defer func() {
		cancel()
		o.teardown(r, &tracks)
		if result != nil {
			if result.Success {
				span.SetStatus(codes.Ok, "")
			} else {
				span.SetStatus(codes.Error, string(result.ErrorKind))
			}
		}
	}()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("pipeline panic", "panic", v, "stack", string(debug.Stack()))
			for _, j := range r.jobs {
				j.fail(KindInternal, &PanicError{Value: v})
			}
			result = o.failure(r)
		}
	}()

	r.logger.Info("Diff run started",
		"repo", redactURL(req.RepoURL),
		"baseline", req.BaselineRef,
		"candidate", req.CandidateRef,
		"timeout", timeout,
	)

	allDone := make(chan struct{})
	for _, j := range r.jobs {
		tracks.Add(1)
		go func(j *BuildJob) {
			defer tracks.Done()
			o.track(runCtx, r, j)
		}(j)
	}
	go func() {
		tracks.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-runCtx.Done():
		o.expire(runCtx, r)
		return o.failure(r)
	}

	for _, j := range r.jobs {
		if j.State() == StateFailed {
			return o.failure(r)
		}
	}

	res, err := o.captureAndCompare(runCtx, r)
	if err != nil {
		if runCtx.Err() != nil {
			o.expire(runCtx, r)
		}
		return o.failure(r)
	}
	return res
}

// track drives one job from PENDING to AWAITING_READY and then to ready.
func (o *Orchestrator) track(ctx context.Context, r *run, j *BuildJob) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("track panic", "role", j.Role, "panic", v, "stack", string(debug.Stack()))
			j.fail(KindInternal, &PanicError{Value: v})
		}
	}()

	ctx, span := o.tracer.Start(ctx, "pipeline.track", trace.WithAttributes(
		attribute.String("job.role", string(j.Role)),
		attribute.String("job.ref", j.Ref),
	))
	defer span.End()

	err := o.bringUp(ctx, r, j)
	if err == nil {
		return
	}
	if errors.Is(err, errJobClosed) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	kind := classify(ctx, err)
	if kind == KindOverallTimeout {
		err = &OverallTimeoutError{Timeout: r.timeout, State: j.State()}
	}
	if j.fail(kind, err) {
		r.logger.Warn("Job failed", "role", j.Role, "ref", j.Ref, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) bringUp(ctx context.Context, r *run, j *BuildJob) error {
	project, err := o.provisioner.Provision(ctx, provision.Request{
		RepoURL: r.req.RepoURL,
		Ref:     j.Ref,
		Token:   r.req.AuthToken,
		Dir:     j.WorkDir,
		Log:     j.writer,
		OnStage: func(s provision.Stage) {
			switch s {
			case provision.StageCloning:
				j.advance(StateCloning)
			case provision.StageInstalling:
				j.advance(StateInstalling)
			}
		},
	})
	if err != nil {
		return err
	}

	port, err := o.ports.Allocate()
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}
	j.setPort(port)

	h, err := o.starter.Start(ctx, supervisor.StartRequest{
		Project: project,
		Port:    port,
		Log:     j.writer,
		OnStage: func(s supervisor.Stage) {
			switch s {
			case supervisor.StageBuilding:
				j.advance(StateBuilding)
			case supervisor.StageStarting:
				j.advance(StateStarting)
			}
		},
	})
	if err != nil {
		return err
	}
	if err := j.attach(h); err != nil {
		return err
	}
	j.advance(StateAwaitingReady)

	if err := o.prober.WaitReadyWhile(ctx, port, o.cfg.ReadinessTimeout, h.Alive); err != nil {
		return err
	}
	r.logger.Info("Server ready", "role", j.Role, "ref", j.Ref, "port", port, "pid", h.PID())
	return nil
}

func (o *Orchestrator) captureAndCompare(ctx context.Context, r *run) (*DiffResult, error) {
	shots := make([][]byte, len(r.jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range r.jobs {
		g.Go(func() (err error) {
			defer func() {
				if v := recover(); v != nil {
					err = &PanicError{Value: v}
					j.fail(KindInternal, err)
				}
			}()
			url := fmt.Sprintf("http://localhost:%d/", j.Port())
			img, err := o.capturer.Capture(gctx, url)
			if err != nil {
				// A sibling's failure cancels gctx; only the capture that
				// broke first is blamed.
				siblingFailed := gctx.Err() != nil && errors.Is(err, context.Canceled)
				if ctx.Err() == nil && !siblingFailed {
					j.fail(KindCapture, &CaptureError{URL: url, Err: err})
				}
				return err
			}
			shots[i] = img
			j.advance(StateCaptured)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cmp, err := visual.Compare(shots[0], shots[1], o.cfg.DiffThreshold)
	if err != nil {
		err = fmt.Errorf("compare screenshots: %w", err)
		for _, j := range r.jobs {
			j.fail(KindCompare, err)
		}
		return nil, err
	}
	for _, j := range r.jobs {
		j.advance(StateDone)
	}
	r.logger.Info("Diff run finished",
		"changed_pixels", cmp.ChangedPixels,
		"total_pixels", cmp.TotalPixels,
		"width", cmp.Width,
		"height", cmp.Height,
	)
	return succeeded(r.id, shots[0], shots[1], cmp.Diff, cmp.ChangedPixels, cmp.TotalPixels, o.combinedLog(r)), nil
}

// expire fails every job that has not reached a terminal state.
func (o *Orchestrator) expire(ctx context.Context, r *run) {
	kind := KindOverallTimeout
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindInternal
	}
	for _, j := range r.jobs {
		state := j.State()
		var err error = &OverallTimeoutError{Timeout: r.timeout, State: state}
		if kind != KindOverallTimeout {
			err = fmt.Errorf("request cancelled while %s: %w", stateVerb(state), ctx.Err())
		}
		j.fail(kind, err)
	}
	r.logger.Warn("Diff run expired", "timeout", r.timeout, "cause", ctx.Err())
}

func (o *Orchestrator) failure(r *run) *DiffResult {
	var (
		msgs []string
		kind ErrorKind
	)
	for _, j := range r.jobs {
		se := j.Err()
		if se == nil {
			continue
		}
		if kind == "" || se.Kind == KindOverallTimeout {
			kind = se.Kind
		}
		msgs = append(msgs, se.Error())
	}
	if kind == "" {
		kind = KindInternal
		msgs = append(msgs, "pipeline ended without a result")
	}
	r.logger.Info("Diff run failed", "kind", kind)
	return failed(r.id, kind, strings.Join(dedupe(msgs), "; "), o.combinedLog(r))
}

func (o *Orchestrator) combinedLog(r *run) string {
	for _, pw := range r.prefixes {
		_ = pw.Flush()
	}
	return logtail.Tail(r.combined.String(), o.cfg.LogRetentionChars)
}

// teardown kills both servers and removes both job directories. Tracks that
// do not unwind within the grace period are cleaned up again once they do.
func (o *Orchestrator) teardown(r *run, tracks *sync.WaitGroup) {
	unwound := make(chan struct{})
	go func() {
		tracks.Wait()
		close(unwound)
	}()

	grace := time.NewTimer(o.cfg.TeardownGrace)
	defer grace.Stop()
	select {
	case <-unwound:
	case <-grace.C:
		r.logger.Warn("Tracks did not unwind in time; cleaning up around them", "grace", o.cfg.TeardownGrace)
		go func() {
			<-unwound
			o.release(r)
		}()
	}
	o.release(r)
}

func (o *Orchestrator) release(r *run) {
	for _, j := range r.jobs {
		if h := j.close(); h != nil {
			supervisor.Terminate(h)
			r.logger.Debug("Server terminated", "role", j.Role, "pid", h.PID())
		}
		if err := o.dirs.RemoveJobDir(j.WorkDir); err != nil {
			r.logger.Error("Failed to remove job directory", "role", j.Role, "dir", j.WorkDir, "error", err)
		}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func redactURL(u string) string {
	if i := strings.Index(u, "@"); i >= 0 {
		if j := strings.Index(u, "://"); j >= 0 && j < i {
			return u[:j+3] + "***" + u[i:]
		}
	}
	return u
}

var _ Runner = (*Orchestrator)(nil)
