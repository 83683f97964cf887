package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/branchdiff/internal/provision"
	"github.com/jkaninda/branchdiff/internal/sandbox"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeNPM installs an "npm" script whose build exits with buildExit and
// whose other scripts print their arguments and sleep.
func fakeNPM(t *testing.T, buildExit int) string {
	t.Helper()
	bin := t.TempDir()
	script := fmt.Sprintf(`#!/bin/sh
case "$2" in
  build) echo "building"; exit %d ;;
  *) echo "serving $2 PORT=$PORT args=$*"; exec sleep 60 ;;
esac
`, buildExit)
	require.NoError(t, os.WriteFile(filepath.Join(bin, "npm"), []byte(script), 0o755))
	return bin
}

func newTestSupervisor(t *testing.T, buildExit int) *Supervisor {
	t.Helper()
	sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: 10 * time.Second,
		Path:           fakeNPM(t, buildExit) + ":/usr/local/bin:/usr/bin:/bin",
	}, slog.Default())
	return New(sbx, sbx, Config{BuildTimeout: 10 * time.Second}, slog.Default())
}

func newProject(t *testing.T, mode provision.RunMode) *provision.Project {
	t.Helper()
	return &provision.Project{
		RunMode:        mode,
		PackageManager: provision.NPM,
		SrcDir:         t.TempDir(),
		HomeDir:        t.TempDir(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStart_BuildThenStart(t *testing.T) {
	sup := newTestSupervisor(t, 0)
	var log syncBuffer
	var stages []Stage

	h, err := sup.Start(context.Background(), StartRequest{
		Project: newProject(t, provision.BuildThenStart),
		Port:    4123,
		Log:     &log,
		OnStage: func(s Stage) { stages = append(stages, s) },
	})
	require.NoError(t, err)
	defer Terminate(h)

	assert.True(t, h.Alive())
	assert.Equal(t, []Stage{StageBuilding, StageStarting}, stages)
	waitFor(t, func() bool { return strings.Contains(log.String(), "serving start PORT=4123") })
	assert.Contains(t, log.String(), "building")
	assert.Contains(t, log.String(), "--port 4123")
}

func TestStart_DevServerSkipsBuild(t *testing.T) {
	sup := newTestSupervisor(t, 1)
	var log syncBuffer
	var stages []Stage

	h, err := sup.Start(context.Background(), StartRequest{
		Project: newProject(t, provision.DevServer),
		Port:    4124,
		Log:     &log,
		OnStage: func(s Stage) { stages = append(stages, s) },
	})
	require.NoError(t, err)
	defer Terminate(h)

	assert.Equal(t, []Stage{StageStarting}, stages)
	waitFor(t, func() bool { return strings.Contains(log.String(), "serving dev PORT=4124") })
	assert.NotContains(t, log.String(), "building")
}

func TestStart_BuildFailure(t *testing.T) {
	sup := newTestSupervisor(t, 2)

	h, err := sup.Start(context.Background(), StartRequest{
		Project: newProject(t, provision.BuildThenStart),
		Port:    4125,
	})
	assert.Nil(t, h)

	var be *BuildError
	require.True(t, errors.As(err, &be), "err = %v", err)
	assert.Equal(t, 2, be.ExitCode)
}

func TestStart_UnknownRunMode(t *testing.T) {
	sup := newTestSupervisor(t, 0)
	_, err := sup.Start(context.Background(), StartRequest{Project: newProject(t, "SOMETHING"), Port: 1})
	assert.Error(t, err)
}

func TestTerminate_Idempotent(t *testing.T) {
	sup := newTestSupervisor(t, 0)
	h, err := sup.Start(context.Background(), StartRequest{
		Project: newProject(t, provision.DevServer),
		Port:    4126,
	})
	require.NoError(t, err)

	Terminate(h)
	Terminate(h)
	Terminate(nil)

	assert.False(t, h.Alive())
}
