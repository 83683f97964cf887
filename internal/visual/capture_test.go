package visual

import (
	"bytes"
	"context"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chromePath returns a local Chrome binary or skips the test.
func chromePath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("BRANCHDIFF_CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("chrome not available, skipping integration test")
	return ""
}

func TestChromeCapturer_Capture(t *testing.T) {
	exe := chromePath(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body style="margin:0;background:#f00"><div style="height:1500px"></div></body></html>`))
	}))
	defer srv.Close()

	c := NewChromeCapturer(ChromeConfig{
		ExecPath:          exe,
		Width:             640,
		Height:            480,
		NavigationTimeout: 30 * time.Second,
		NetworkIdleWait:   time.Second,
		NoSandbox:         os.Geteuid() == 0,
	}, slog.Default())

	data, err := c.Capture(context.Background(), srv.URL)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())
	assert.GreaterOrEqual(t, img.Bounds().Dy(), 1500)
}
