package provision

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestDetectProject_RunMode(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		want     RunMode
		wantErr  bool
	}{
		{"build and start", `{"scripts":{"build":"b","start":"s"}}`, BuildThenStart, false},
		{"build start and dev prefers build", `{"scripts":{"build":"b","start":"s","dev":"d"}}`, BuildThenStart, false},
		{"dev only", `{"scripts":{"dev":"vite"}}`, DevServer, false},
		{"build without start falls back to dev", `{"scripts":{"build":"b","dev":"d"}}`, DevServer, false},
		{"blank scripts", `{"scripts":{"build":" ","start":"","dev":""}}`, "", true},
		{"no scripts", `{"name":"x"}`, "", true},
		{"invalid json", `{`, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := DetectProject(writeTree(t, map[string]string{"package.json": tc.manifest}))
			if tc.wantErr {
				var ue *UnsupportedProjectError
				assert.True(t, errors.As(err, &ue), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.RunMode)
		})
	}
}

func TestDetectProject_MissingManifest(t *testing.T) {
	_, err := DetectProject(t.TempDir())
	var ue *UnsupportedProjectError
	assert.True(t, errors.As(err, &ue), "err = %v", err)
}

func TestDetectProject_PackageManager(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		want     PackageManager
		wantLock bool
	}{
		{"no lockfile", map[string]string{}, NPM, false},
		{"npm lock", map[string]string{"package-lock.json": "{}"}, NPM, true},
		{"pnpm lock", map[string]string{"pnpm-lock.yaml": ""}, PNPM, true},
		{"yarn lock", map[string]string{"yarn.lock": ""}, Yarn, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := map[string]string{"package.json": devManifest}
			for k, v := range tc.files {
				files[k] = v
			}
			p, err := DetectProject(writeTree(t, files))
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.PackageManager)
			assert.Equal(t, tc.wantLock, p.HasLockfile)
		})
	}
}

func TestDetectProject_PackageManagerField(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"package.json":      `{"packageManager":"pnpm@9.1.0","scripts":{"dev":"vite"}}`,
		"package-lock.json": "{}",
	})
	p, err := DetectProject(dir)
	require.NoError(t, err)
	assert.Equal(t, PNPM, p.PackageManager)
	assert.False(t, p.HasLockfile)
}

func TestPackageManager_Commands(t *testing.T) {
	assert.Equal(t, []string{"pnpm", "install", "--frozen-lockfile", "--prefer-offline"}, PNPM.InstallCommand(true))
	assert.Equal(t, []string{"npm", "install", "--prefer-offline", "--no-audit", "--no-fund"}, NPM.InstallCommand(false))

	assert.Equal(t, []string{"npm", "run", "build"}, NPM.RunCommand("build"))
	assert.Equal(t, []string{"npm", "run", "dev", "--", "--port", "4000"}, NPM.RunCommand("dev", "--port", "4000"))
	assert.Equal(t, []string{"yarn", "run", "dev", "--port", "4000"}, Yarn.RunCommand("dev", "--port", "4000"))
}
