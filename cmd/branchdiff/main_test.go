package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/branchdiff/internal/config"
	"github.com/jkaninda/branchdiff/internal/pipeline"
)

func TestRepositoryRequest(t *testing.T) {
	req := repositoryRequest("acme/storefront")
	assert.Equal(t, "acme", req.Owner)
	assert.Equal(t, "storefront", req.Name)
	assert.Empty(t, req.RepoURL)

	req = repositoryRequest("https://github.com/acme/storefront.git")
	assert.Equal(t, "https://github.com/acme/storefront.git", req.RepoURL)
	assert.Empty(t, req.Owner)

	req = repositoryRequest("git@github.com:acme/storefront.git")
	assert.Equal(t, "git@github.com:acme/storefront.git", req.RepoURL)
}

func TestMarshalConfigRoundTrip(t *testing.T) {
	cfg := &config.Config{}
	cfg.Pipeline.OverallTimeoutSeconds = 120
	cfg.Sandbox.Runtime = "docker"
	cfg.Gateways.HTTP = &config.HTTPGatewayConfig{
		Enabled:           true,
		ListenAddr:        ":9090",
		APIKeyUserMapping: map[string]string{"k1": "alice"},
	}
	cfg.Janitor = &config.JanitorConfig{Enabled: true, Schedule: "@hourly"}

	for _, ext := range []string{".yaml", ".toml", ".json"} {
		t.Run(ext, func(t *testing.T) {
			data, err := marshalConfig(cfg, "config"+ext)
			require.NoError(t, err)

			got, err := config.Parse(data, ext)
			require.NoError(t, err)
			assert.Equal(t, 120, got.Pipeline.OverallTimeoutSeconds)
			assert.Equal(t, "docker", got.Sandbox.RuntimeName())
			require.NotNil(t, got.Gateways.HTTP)
			assert.Equal(t, ":9090", got.Gateways.HTTP.Addr())
			assert.Equal(t, "alice", got.Gateways.HTTP.APIKeyUserMapping["k1"])
			assert.Equal(t, "@hourly", got.Janitor.CronSchedule())
		})
	}
}

func TestPrintSummary(t *testing.T) {
	changed, total := uint64(25), uint64(100)
	var buf bytes.Buffer
	printSummary(&buf, &pipeline.DiffResult{
		Success:           true,
		ChangedPixelCount: &changed,
		TotalPixelCount:   &total,
		RequestID:         "req-1",
	})
	assert.Contains(t, buf.String(), "25 of 100 pixels differ (25.00%)")
	assert.Contains(t, buf.String(), "req-1")

	msg := "candidate build failed: exit status 1"
	buf.Reset()
	printSummary(&buf, &pipeline.DiffResult{
		ErrorMessage: &msg,
		ErrorKind:    pipeline.KindBuild,
		CombinedLog:  "npm ERR! missing script: build\n",
	})
	assert.Contains(t, buf.String(), msg)
	assert.Contains(t, buf.String(), "kind: build")
	assert.Contains(t, buf.String(), "npm ERR! missing script: build")
}

func TestWriteImages(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shots")
	changed, total := uint64(0), uint64(4)
	res := &pipeline.DiffResult{
		Success:           true,
		BaselineImage:     []byte("base"),
		CandidateImage:    []byte("cand"),
		DiffImage:         []byte("diff"),
		ChangedPixelCount: &changed,
		TotalPixelCount:   &total,
	}

	written, err := writeImages(dir, res)
	require.NoError(t, err)
	require.Len(t, written, 3)

	data, err := os.ReadFile(filepath.Join(dir, "diff.png"))
	require.NoError(t, err)
	assert.Equal(t, "diff", string(data))

	written, err = writeImages(dir, &pipeline.DiffResult{})
	require.NoError(t, err)
	assert.Empty(t, written)
}
