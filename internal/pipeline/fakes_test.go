package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkaninda/branchdiff/internal/ports"
	"github.com/jkaninda/branchdiff/internal/probe"
	"github.com/jkaninda/branchdiff/internal/provision"
	"github.com/jkaninda/branchdiff/internal/sandbox"
	"github.com/jkaninda/branchdiff/internal/supervisor"
	"github.com/jkaninda/branchdiff/internal/vcs"
	"github.com/jkaninda/branchdiff/internal/workspace"
)

const buildStartManifest = `{"scripts":{"build":"next build","start":"next start"}}`

// refCloner writes a per-ref file set.
type refCloner struct {
	files map[string]map[string]string
	errs  map[string]error
}

func (c *refCloner) Clone(_ context.Context, req vcs.CloneRequest) error {
	if err := c.errs[req.Ref]; err != nil {
		return err
	}
	files, ok := c.files[req.Ref]
	if !ok {
		files = map[string]string{"package.json": buildStartManifest}
	}
	for name, content := range files {
		p := filepath.Join(req.Dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	fmt.Fprintf(req.Progress, "cloned %s\n", req.Ref)
	return nil
}

// installSandbox stands in for the dependency install.
type installSandbox struct {
	calls    atomic.Int32
	exitCode map[string]int // keyed by the job directory's role suffix
	block    bool
	output   string
}

func (s *installSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	s.calls.Add(1)
	if s.output != "" && req.Output != nil {
		_, _ = req.Output.Write([]byte(s.output))
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for suffix, code := range s.exitCode {
		if strings.HasSuffix(filepath.Dir(req.WorkingDir), suffix) {
			return &sandbox.ExecutionResult{ExitCode: code}, nil
		}
	}
	return &sandbox.ExecutionResult{}, nil
}

// fakeHandle is a server that is alive until terminated.
type fakeHandle struct {
	ref        string
	port       uint16
	terminated atomic.Int32
	done       chan struct{}
	once       sync.Once
}

func newFakeHandle(ref string, port uint16) *fakeHandle {
	return &fakeHandle{ref: ref, port: port, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return int(h.port) }
func (h *fakeHandle) Alive() bool           { return h.terminated.Load() == 0 }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Terminate() {
	h.terminated.Add(1)
	h.once.Do(func() { close(h.done) })
}

// fakeStarter hands out fakeHandles and remembers them by port.
type fakeStarter struct {
	mu      sync.Mutex
	byPort  map[uint16]*fakeHandle
	handles []*fakeHandle
	errs    map[string]error
	panics  map[string]bool
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{byPort: make(map[uint16]*fakeHandle)}
}

func (s *fakeStarter) Start(_ context.Context, req supervisor.StartRequest) (supervisor.Handle, error) {
	ref := filepath.Base(filepath.Dir(req.Project.SrcDir))
	ref = ref[strings.LastIndex(ref, "-")+1:]
	if req.OnStage != nil {
		if req.Project.RunMode == provision.BuildThenStart {
			req.OnStage(supervisor.StageBuilding)
		}
		req.OnStage(supervisor.StageStarting)
	}
	if s.panics[ref] {
		panic("starter exploded")
	}
	if err := s.errs[ref]; err != nil {
		return nil, err
	}
	h := newFakeHandle(ref, req.Port)
	s.mu.Lock()
	s.byPort[req.Port] = h
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	fmt.Fprintf(req.Log, "listening on %d\n", req.Port)
	return h, nil
}

func (s *fakeStarter) role(port uint16) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byPort[port]; ok {
		return h.ref
	}
	return ""
}

func (s *fakeStarter) all() []*fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeHandle(nil), s.handles...)
}

// fakeProber fails readiness for the listed roles.
type fakeProber struct {
	starter  *fakeStarter
	notReady map[string]bool
}

func (p *fakeProber) WaitReadyWhile(_ context.Context, port uint16, timeout time.Duration, alive func() bool) error {
	if !alive() {
		return probe.ErrProcessExited
	}
	if p.notReady[p.starter.role(port)] {
		return &probe.ReadinessTimeoutError{Port: port, Timeout: timeout, Attempts: 3}
	}
	return nil
}

// fakeCapturer renders a solid PNG per role.
type fakeCapturer struct {
	starter *fakeStarter
	errs    map[string]error
	calls   atomic.Int32
}

func (c *fakeCapturer) Capture(_ context.Context, url string) ([]byte, error) {
	c.calls.Add(1)
	var port uint16
	if _, err := fmt.Sscanf(url, "http://localhost:%d/", &port); err != nil {
		return nil, err
	}
	role := c.starter.role(port)
	if err := c.errs[role]; err != nil {
		return nil, err
	}
	fill := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	w, h := 8, 4
	if role == string(RoleCandidate) {
		h = 6
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// seqPorts hands out distinct fake port numbers.
func seqPorts() ports.Allocator {
	var next atomic.Int32
	next.Store(40000)
	return ports.AllocatorFunc(func() (uint16, error) {
		return uint16(next.Add(1)), nil
	})
}

type harness struct {
	ws       *workspace.Workspace
	cloner   *refCloner
	sandbox  *installSandbox
	starter  *fakeStarter
	prober   *fakeProber
	capturer *fakeCapturer
	cfg      Config
	maxBytes int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	st := newFakeStarter()
	return &harness{
		ws:       ws,
		cloner:   &refCloner{},
		sandbox:  &installSandbox{},
		starter:  st,
		prober:   &fakeProber{starter: st},
		capturer: &fakeCapturer{starter: st},
		cfg:      Config{OverallTimeout: 5 * time.Second, TeardownGrace: 2 * time.Second},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	prov := provision.New(h.cloner, h.sandbox, provision.Config{MaxSandboxBytes: h.maxBytes}, slog.Default())
	return New(h.ws, prov, h.starter, h.prober, h.capturer, h.cfg, slog.Default(), WithPortAllocator(seqPorts()))
}

// request names refs after their role so fakes can tell the tracks apart.
func request() Request {
	return Request{
		RepoURL:      "https://example.com/acme/site.git",
		BaselineRef:  string(RoleBaseline),
		CandidateRef: string(RoleCandidate),
	}
}

// assertReclaimed checks that no job directory and no live server remain.
func (h *harness) assertReclaimed(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.ws.SandboxDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("reading sandbox dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("job directories survived the run: %v", names)
	}
	for _, fh := range h.starter.all() {
		if fh.Alive() {
			t.Errorf("server for %s still alive", fh.ref)
		}
	}
}
