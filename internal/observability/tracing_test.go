package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/branchdiff/internal/config"
	"github.com/jkaninda/branchdiff/internal/pipeline"
	"github.com/jkaninda/branchdiff/internal/provision"
	"github.com/jkaninda/branchdiff/internal/workspace"
)

// failingProvisioner fails every clone so a run ends right after both tracks.
type failingProvisioner struct{}

func (failingProvisioner) Provision(_ context.Context, req provision.Request) (*provision.Project, error) {
	return nil, &provision.CloneError{Ref: req.Ref, Err: errors.New("remote ref not found")}
}

func newRecordedObservability(t *testing.T, tracing *config.TracingConfig) (*Observability, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	obs, err := New(&config.ObservabilityConfig{Tracing: tracing}, nil,
		WithSpanProcessor(rec), WithBuildInfo("1.2.3", "docker"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs.Tracer == nil {
		t.Fatal("expected tracing to be enabled")
	}
	t.Cleanup(func() { obs.Shutdown(context.Background()) })
	return obs, rec
}

func TestTracing_PipelineSpans(t *testing.T) {
	obs, rec := newRecordedObservability(t, &config.TracingConfig{Enabled: true})

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	orch := pipeline.New(ws, failingProvisioner{}, nil, nil, nil,
		pipeline.Config{OverallTimeout: 5 * time.Second}, slog.Default(), obs.PipelineOptions()...)

	res := obs.WrapRunner(orch).Run(context.Background(), pipeline.Request{
		RepoURL:      "https://example.com/acme/site.git",
		BaselineRef:  "main",
		CandidateRef: "feature-x",
	})
	if res.Success || res.ErrorKind != pipeline.KindClone {
		t.Fatalf("result = success:%v kind:%q, want a clone failure", res.Success, res.ErrorKind)
	}

	byName := map[string][]trace.SpanContext{}
	parents := map[trace.SpanID]trace.SpanID{}
	roles := map[string]bool{}
	for _, s := range rec.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s.SpanContext())
		parents[s.SpanContext().SpanID()] = s.Parent().SpanID()
		if s.Name() == "pipeline.track" {
			for _, kv := range s.Attributes() {
				if kv.Key == "job.role" {
					roles[kv.Value.AsString()] = true
				}
			}
		}
	}

	if len(byName["pipeline.diff"]) != 1 || len(byName["pipeline.run"]) != 1 {
		t.Fatalf("spans = %v, want one pipeline.diff and one pipeline.run", byName)
	}
	if got := len(byName["pipeline.track"]); got != 2 {
		t.Fatalf("pipeline.track spans = %d, want 2", got)
	}
	if !roles["baseline"] || !roles["candidate"] {
		t.Errorf("track roles = %v, want baseline and candidate", roles)
	}

	diff := byName["pipeline.diff"][0].SpanID()
	run := byName["pipeline.run"][0].SpanID()
	if parents[run] != diff {
		t.Error("pipeline.run is not a child of pipeline.diff")
	}
	for _, sc := range byName["pipeline.track"] {
		if parents[sc.SpanID()] != run {
			t.Error("pipeline.track is not a child of pipeline.run")
		}
	}
}

func TestTracing_ResourceAndScope(t *testing.T) {
	obs, rec := newRecordedObservability(t, &config.TracingConfig{
		Enabled:     true,
		ServiceName: "branchdiff-ci",
		Environment: "staging",
		Attributes:  map[string]string{"team": "web"},
	})

	_, span := obs.Tracer.Tracer().Start(context.Background(), "pipeline.run")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if scope := ended[0].InstrumentationScope(); scope.Name != pipelineScope || scope.Version != "1.2.3" {
		t.Errorf("scope = %s@%s", scope.Name, scope.Version)
	}

	attrs := map[attribute.Key]string{}
	for _, kv := range ended[0].Resource().Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	want := map[attribute.Key]string{
		"service.name":               "branchdiff-ci",
		"service.version":            "1.2.3",
		"deployment.environment":     "staging",
		"branchdiff.sandbox.runtime": "docker",
		"team":                       "web",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("resource %s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestTracing_TracksFollowSampledRun(t *testing.T) {
	// A rate this low leaves root spans effectively unsampled.
	obs, rec := newRecordedObservability(t, &config.TracingConfig{Enabled: true, SampleRate: 1e-12})
	tracer := obs.Tracer.Tracer()

	for i := 0; i < 20; i++ {
		_, span := tracer.Start(context.Background(), "pipeline.run")
		span.End()
	}
	if got := len(rec.Ended()); got != 0 {
		t.Fatalf("recorded %d unsampled roots", got)
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)
	_, span := tracer.Start(ctx, "pipeline.track")
	span.End()
	if got := len(rec.Ended()); got != 1 {
		t.Errorf("child of a sampled run recorded %d spans, want 1", got)
	}
}

func TestRootSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{3, "AlwaysOnSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := rootSampler(tt.rate).Description(); got != tt.want {
			t.Errorf("rootSampler(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

func TestNewTracerSetup_Disabled(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Errorf("disabled tracing = (%v, %v), want (nil, nil)", ts, err)
	}
}

func TestNewTracerSetup_UnknownProtocol(t *testing.T) {
	if _, err := NewTracerSetup(&config.TracingConfig{Enabled: true, Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}
