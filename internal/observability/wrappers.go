package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/sandbox"
)

const runOperation = "pipeline_run"

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a pipeline.Runner with metrics, tracing, and anomaly detection.
type InstrumentedRunner struct {
	inner   pipeline.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability.
func NewInstrumentedRunner(inner pipeline.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, req pipeline.Request) *pipeline.DiffResult {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "pipeline.diff",
			trace.WithAttributes(
				attribute.String("diff.baseline", req.BaselineRef),
				attribute.String("diff.candidate", req.CandidateRef),
			))
		defer span.End()
	}

	stages := NewStageObserver(r.metrics)
	req.Observer = pipeline.Observers(req.Observer, stages.Observe)

	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
	}

	start := time.Now()
	res := r.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	outcome := "success"
	kind := ""
	if res == nil || !res.Success {
		outcome = "failure"
		if res != nil {
			kind = string(res.ErrorKind)
		}
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.String("diff.error_kind", kind))
			span.SetStatus(codes.Error, kind)
		}
	} else if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.Int64("diff.changed_pixels", int64(*res.ChangedPixelCount)),
			attribute.Int64("diff.total_pixels", int64(*res.TotalPixelCount)),
		)
	}

	if r.metrics != nil {
		r.metrics.RunsTotal.WithLabelValues(outcome, kind).Inc()
		r.metrics.RunDuration.WithLabelValues(outcome).Observe(duration)
		if outcome == "success" && *res.TotalPixelCount > 0 {
			r.metrics.ChangedRatio.Observe(float64(*res.ChangedPixelCount) / float64(*res.TotalPixelCount))
		}
	}

	if r.anomaly != nil {
		if outcome == "success" {
			r.anomaly.RecordSuccess(runOperation)
		} else {
			r.anomaly.RecordError(runOperation, kind)
		}
	}

	return res
}

// --- StageObserver ---

// StageObserver turns build job events into transition counts and
// per-state dwell times. One observer serves a single run.
type StageObserver struct {
	metrics *MetricsCollector
	mu      sync.Mutex
	entered map[pipeline.Role]time.Time
}

// NewStageObserver creates an observer for one run. Nil metrics make it a no-op.
func NewStageObserver(metrics *MetricsCollector) *StageObserver {
	return &StageObserver{metrics: metrics, entered: make(map[pipeline.Role]time.Time)}
}

// Observe records ev. It satisfies pipeline.Observer.
func (s *StageObserver) Observe(ev pipeline.Event) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.StageTransitionsTotal.WithLabelValues(string(ev.Role), string(ev.State)).Inc()

	s.mu.Lock()
	prev, ok := s.entered[ev.Role]
	s.entered[ev.Role] = ev.Time
	s.mu.Unlock()

	if ok && ev.PreviousState != "" {
		s.metrics.StageDuration.WithLabelValues(string(ev.PreviousState)).Observe(ev.Time.Sub(prev).Seconds())
	}
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string // "process" or "docker"
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", s.sandboxType),
				attribute.String("sandbox.command", firstArg(req.Command)),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.sandboxType, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.sandboxType).Observe(duration)
	}

	if s.anomaly != nil {
		if status == "success" {
			s.anomaly.RecordSuccess("sandbox_" + s.sandboxType)
		} else {
			s.anomaly.RecordError("sandbox_"+s.sandboxType, status)
		}
	}

	return result, err
}

func firstArg(cmd []string) string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0]
}

// --- Compile-time interface checks ---

var (
	_ pipeline.Runner = (*InstrumentedRunner)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
)
