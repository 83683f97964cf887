// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and anomaly detection for the diff pipeline.
// All components are optional and nil-safe. When disabled, wrappers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/branchdiff/internal/config"
	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/sandbox"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New creates an Observability instance from config. opts are passed to
// the tracer when tracing is enabled.
// Returns nil when the config is nil (all features disabled).
func New(cfg *config.ObservabilityConfig, logger *slog.Logger, opts ...TracerOption) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	obs := &Observability{}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, opts...)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	// Checks are added by the command that owns the dependencies.
	obs.Health = NewHealthChecker(logger)

	return obs, nil
}

// PipelineOptions returns the orchestrator options that emit the
// pipeline.run and pipeline.track spans. Empty when tracing is off.
func (o *Observability) PipelineOptions() []pipeline.Option {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return []pipeline.Option{pipeline.WithTracer(o.Tracer.Tracer())}
}

// WrapRunner instruments every diff run r executes. r is returned as-is
// when nothing would be recorded.
func (o *Observability) WrapRunner(r pipeline.Runner) pipeline.Runner {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return r
	}
	return NewInstrumentedRunner(r, o.Metrics, o.Tracer, o.Anomaly)
}

// WrapSandbox instruments the install and build executions of s.
func (o *Observability) WrapSandbox(s sandbox.Sandbox, runtime string) sandbox.Sandbox {
	if o == nil || (o.Metrics == nil && o.Tracer == nil) {
		return s
	}
	return NewInstrumentedSandbox(s, runtime, o.Metrics, o.Tracer, o.Anomaly)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// MetricsOrNil returns the collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}
