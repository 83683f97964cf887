package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/branchdiff/internal/supervisor"
)

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t)

	var (
		mu     sync.Mutex
		states = map[Role][]State{}
	)
	req := request()
	req.Observer = func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		states[ev.Role] = append(states[ev.Role], ev.State)
	}

	res := h.orchestrator().Run(context.Background(), req)

	require.True(t, res.Success, "unexpected failure: %v", res.ErrorMessage)
	require.NoError(t, res.Validate())
	assert.NotEmpty(t, res.BaselineImage)
	assert.NotEmpty(t, res.CandidateImage)
	assert.NotEmpty(t, res.DiffImage)
	// 8x4 against 8x6: the two extra rows exist only in the candidate.
	assert.Equal(t, uint64(48), *res.TotalPixelCount)
	assert.Equal(t, uint64(16), *res.ChangedPixelCount)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, int32(2), h.capturer.calls.Load())
	assert.Contains(t, res.CombinedLog, "[baseline] cloned baseline")
	assert.Contains(t, res.CombinedLog, "[candidate] cloned candidate")

	want := []State{StateCloning, StateInstalling, StateBuilding, StateStarting, StateAwaitingReady, StateCaptured, StateDone}
	mu.Lock()
	assert.Equal(t, want, states[RoleBaseline])
	assert.Equal(t, want, states[RoleCandidate])
	mu.Unlock()

	h.assertReclaimed(t)
}

func TestRun_CleanupTotality(t *testing.T) {
	tests := []struct {
		name   string
		inject func(h *harness)
		want   ErrorKind
	}{
		{
			name:   "clone",
			inject: func(h *harness) { h.cloner.errs = map[string]error{"candidate": errors.New("remote ref not found")} },
			want:   KindClone,
		},
		{
			name: "quota",
			inject: func(h *harness) {
				h.maxBytes = 1024
				h.cloner.files = map[string]map[string]string{
					"candidate": {"package.json": buildStartManifest, "blob.bin": strings.Repeat("x", 4096)},
				}
			},
			want: KindQuotaExceeded,
		},
		{
			name: "unsupported project",
			inject: func(h *harness) {
				h.cloner.files = map[string]map[string]string{"candidate": {"package.json": `{"scripts":{"test":"jest"}}`}}
			},
			want: KindUnsupportedProject,
		},
		{
			name:   "install",
			inject: func(h *harness) { h.sandbox.exitCode = map[string]int{"candidate": 1} },
			want:   KindInstall,
		},
		{
			name:   "build",
			inject: func(h *harness) { h.starter.errs = map[string]error{"candidate": &supervisor.BuildError{ExitCode: 2}} },
			want:   KindBuild,
		},
		{
			name: "start",
			inject: func(h *harness) {
				h.starter.errs = map[string]error{"candidate": &supervisor.StartError{Err: errors.New("npm: not found")}}
			},
			want: KindStart,
		},
		{
			name:   "readiness",
			inject: func(h *harness) { h.prober.notReady = map[string]bool{"candidate": true} },
			want:   KindReadinessTimeout,
		},
		{
			name:   "capture",
			inject: func(h *harness) { h.capturer.errs = map[string]error{"candidate": errors.New("page crashed")} },
			want:   KindCapture,
		},
		{
			name: "overall timeout",
			inject: func(h *harness) {
				h.sandbox.block = true
				h.cfg.OverallTimeout = 150 * time.Millisecond
			},
			want: KindOverallTimeout,
		},
		{
			name:   "panic",
			inject: func(h *harness) { h.starter.panics = map[string]bool{"candidate": true} },
			want:   KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.inject(h)

			res := h.orchestrator().Run(context.Background(), request())

			assert.False(t, res.Success)
			require.NoError(t, res.Validate())
			assert.Equal(t, tt.want, res.ErrorKind, "message: %s", *res.ErrorMessage)
			h.assertReclaimed(t)
		})
	}
}

func TestRun_QuotaPrecedesInstall(t *testing.T) {
	h := newHarness(t)
	h.maxBytes = 1024
	big := map[string]string{"package.json": buildStartManifest, "assets/video.mp4": strings.Repeat("v", 8192)}
	h.cloner.files = map[string]map[string]string{"baseline": big, "candidate": big}

	res := h.orchestrator().Run(context.Background(), request())

	assert.False(t, res.Success)
	assert.Equal(t, KindQuotaExceeded, res.ErrorKind)
	assert.Contains(t, *res.ErrorMessage, "quota exceeded")
	assert.Equal(t, int32(0), h.sandbox.calls.Load(), "install must not run on an over-quota checkout")
	h.assertReclaimed(t)
}

func TestRun_OneTrackNeverReady(t *testing.T) {
	h := newHarness(t)
	h.prober.notReady = map[string]bool{"candidate": true}

	res := h.orchestrator().Run(context.Background(), request())

	assert.False(t, res.Success)
	assert.Equal(t, KindReadinessTimeout, res.ErrorKind)
	assert.Contains(t, *res.ErrorMessage, "candidate (candidate)")
	assert.NotContains(t, *res.ErrorMessage, "baseline (baseline)")
	assert.Equal(t, int32(0), h.capturer.calls.Load())

	handles := h.starter.all()
	require.Len(t, handles, 2)
	for _, fh := range handles {
		assert.GreaterOrEqual(t, fh.terminated.Load(), int32(1), "%s server must be terminated", fh.ref)
	}
	h.assertReclaimed(t)
}

func TestRun_OverallTimeoutDuringInstall(t *testing.T) {
	h := newHarness(t)
	h.sandbox.block = true
	h.cfg.OverallTimeout = 200 * time.Millisecond

	start := time.Now()
	res := h.orchestrator().Run(context.Background(), request())

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, KindOverallTimeout, res.ErrorKind)
	assert.Contains(t, *res.ErrorMessage, "overall timeout")
	assert.Contains(t, *res.ErrorMessage, "installing dependencies")
	assert.Equal(t, int32(2), h.sandbox.calls.Load())
	assert.Empty(t, h.starter.all())
	h.assertReclaimed(t)
}

func TestRun_RequestTimeoutOverridesConfig(t *testing.T) {
	h := newHarness(t)
	h.sandbox.block = true
	h.cfg.OverallTimeout = time.Hour

	req := request()
	req.Timeout = 100 * time.Millisecond
	res := h.orchestrator().Run(context.Background(), req)

	assert.Equal(t, KindOverallTimeout, res.ErrorKind)
	h.assertReclaimed(t)
}

func TestRun_ParentCancelled(t *testing.T) {
	h := newHarness(t)
	h.sandbox.block = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	res := h.orchestrator().Run(ctx, request())

	assert.False(t, res.Success)
	assert.NotEqual(t, KindOverallTimeout, res.ErrorKind)
	h.assertReclaimed(t)
}

func TestRun_CombinedLogKeepsMostRecent(t *testing.T) {
	h := newHarness(t)
	h.sandbox.output = strings.Repeat("x", 5000) + "TAIL-MARKER\n"
	h.cfg.LogRetentionChars = 500

	res := h.orchestrator().Run(context.Background(), request())

	require.True(t, res.Success)
	assert.LessOrEqual(t, utf8.RuneCountInString(res.CombinedLog), 500)
	assert.Contains(t, res.CombinedLog, "TAIL-MARKER")
	assert.NotContains(t, res.CombinedLog, "cloned baseline", "oldest output must be discarded first")
	assert.NotContains(t, res.CombinedLog, "cloned candidate", "oldest output must be discarded first")
}
