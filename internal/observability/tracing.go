package observability

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/branchdiff/internal/config"
)

// pipelineScope is the instrumentation scope of every span branchdiff emits.
const pipelineScope = "github.com/jkaninda/branchdiff/internal/pipeline"

// Resource attribute keys describing how diffs are executed.
const (
	attrSandboxRuntime = attribute.Key("branchdiff.sandbox.runtime")
	attrEnvironment    = attribute.Key("deployment.environment")
)

// TracerSetup owns the TracerProvider behind the pipeline's run and track
// spans. It is never installed globally.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TracerOption customizes NewTracerSetup.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	processor sdktrace.SpanProcessor
	version   string
	runtime   string
}

// WithSpanProcessor sends spans to sp instead of an OTLP exporter.
func WithSpanProcessor(sp sdktrace.SpanProcessor) TracerOption {
	return func(o *tracerOptions) { o.processor = sp }
}

// WithBuildInfo tags the resource with the binary version and the sandbox
// runtime that executes install and build steps.
func WithBuildInfo(version, runtime string) TracerOption {
	return func(o *tracerOptions) {
		o.version = version
		o.runtime = runtime
	}
}

// NewTracerSetup builds a provider from cfg. It returns nil when tracing is
// disabled.
//
// Sampling is parent-based: the ratio applies to the pipeline.run root, and
// the per-ref track spans always follow their run, so a sampled diff is
// never missing one of its two tracks.
func NewTracerSetup(cfg *config.TracingConfig, opts ...TracerOption) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	var o tracerOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg, o)...))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	processor := o.processor
	if processor == nil {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		processor = sdktrace.NewBatchSpanProcessor(exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(rootSampler(cfg.SampleRate))),
	)

	var tracerOpts []trace.TracerOption
	if o.version != "" {
		tracerOpts = append(tracerOpts, trace.WithInstrumentationVersion(o.version))
	}
	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(pipelineScope, tracerOpts...),
	}, nil
}

func resourceAttributes(cfg *config.TracingConfig, o tracerOptions) []attribute.KeyValue {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "branchdiff"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if o.version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(o.version))
	}
	if o.runtime != "" {
		attrs = append(attrs, attrSandboxRuntime.String(o.runtime))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attrEnvironment.String(cfg.Environment))
	}

	// Sorted so the resource is stable across restarts.
	keys := make([]string, 0, len(cfg.Attributes))
	for k := range cfg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.Attributes[k]))
	}
	return attrs
}

// rootSampler samples diff runs at rate. Out-of-range rates mean "all".
func rootSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol %q (supported: grpc, http)", cfg.Protocol)
	}
}

// Tracer returns the pipeline tracer, or a no-op tracer when t is nil.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer(pipelineScope)
	}
	return t.tracer
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
