package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspace")

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}
	if ws.Root != root {
		t.Errorf("Root = %q, want %q", ws.Root, root)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestDerivedPaths(t *testing.T) {
	ws := newTestWorkspace(t)

	if got, want := ws.SandboxDir(), filepath.Join(ws.Root, "sandbox"); got != want {
		t.Errorf("SandboxDir() = %q, want %q", got, want)
	}
	if _, err := os.Stat(ws.SandboxDir()); err != nil {
		t.Errorf("sandbox dir not created: %v", err)
	}
}

func TestJobDir(t *testing.T) {
	ws := newTestWorkspace(t)

	got := ws.JobDir("req-1", "baseline")
	want := filepath.Join(ws.Root, "sandbox", "req-1-baseline")
	if got != want {
		t.Errorf("JobDir = %q, want %q", got, want)
	}
	if _, err := os.Stat(got); !os.IsNotExist(err) {
		t.Errorf("JobDir must not create the directory, stat err = %v", err)
	}

	if got := ws.JobDir("../x", "a/b"); filepath.Dir(got) != ws.SandboxDir() {
		t.Errorf("JobDir escaped sandbox: %q", got)
	}
}

func TestRemoveJobDir(t *testing.T) {
	ws := newTestWorkspace(t)
	dir := ws.JobDir("req-2", "candidate")
	if err := os.MkdirAll(filepath.Join(dir, "src", "node_modules"), 0750); err != nil {
		t.Fatal(err)
	}

	if err := ws.RemoveJobDir(dir); err != nil {
		t.Fatalf("RemoveJobDir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("job dir still present, stat err = %v", err)
	}
	// Removing again is fine.
	if err := ws.RemoveJobDir(dir); err != nil {
		t.Errorf("second RemoveJobDir: %v", err)
	}
}

func TestRemoveJobDirRefusesOutside(t *testing.T) {
	ws := newTestWorkspace(t)
	outside := t.TempDir()

	for _, p := range []string{outside, ws.Root, ws.SandboxDir(), filepath.Join(ws.SandboxDir(), "..")} {
		if err := ws.RemoveJobDir(p); err == nil {
			t.Errorf("RemoveJobDir(%q) should have been refused", p)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("outside dir was touched: %v", err)
	}
}

func TestStaleJobDirs(t *testing.T) {
	ws := newTestWorkspace(t)
	oldDir := ws.JobDir("old", "baseline")
	newDir := ws.JobDir("new", "baseline")
	for _, d := range []string{oldDir, newDir} {
		if err := os.MkdirAll(d, 0750); err != nil {
			t.Fatal(err)
		}
	}
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatal(err)
	}

	stale, err := ws.StaleJobDirs(time.Hour, time.Now())
	if err != nil {
		t.Fatalf("StaleJobDirs: %v", err)
	}
	if len(stale) != 1 || stale[0] != oldDir {
		t.Errorf("stale = %v, want [%s]", stale, oldDir)
	}
}

func TestCleanSandbox(t *testing.T) {
	ws := newTestWorkspace(t)

	sbDir := ws.SandboxDir()
	os.MkdirAll(filepath.Join(sbDir, "exec-1"), 0750)
	os.MkdirAll(filepath.Join(sbDir, "exec-2"), 0750)
	os.WriteFile(filepath.Join(sbDir, "exec-1", "output.txt"), []byte("hello"), 0644)

	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox: %v", err)
	}

	entries, _ := os.ReadDir(sbDir)
	if len(entries) != 0 {
		t.Errorf("sandbox dir not empty after clean: %d entries", len(entries))
	}
}

func TestCleanSandboxNoop(t *testing.T) {
	ws := newTestWorkspace(t)
	os.RemoveAll(filepath.Join(ws.Root, "sandbox"))
	if err := ws.CleanSandbox(); err != nil {
		t.Fatalf("CleanSandbox on missing dir: %v", err)
	}
}

func TestWritable(t *testing.T) {
	ws := newTestWorkspace(t)
	if err := ws.Writable(); err != nil {
		t.Fatalf("Writable: %v", err)
	}
	entries, _ := os.ReadDir(ws.SandboxDir())
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %d entries", len(entries))
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeName(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
