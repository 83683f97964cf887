package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/jkaninda/branchdiff/internal/pipeline"
)

var (
	greenHighlight  = color.New(color.FgGreen).SprintFunc()
	redHighlight    = color.New(color.FgRed).SprintFunc()
	yellowHighlight = color.New(color.FgYellow).SprintFunc()
)

// printSummary writes a human-readable result summary to w.
func printSummary(w io.Writer, res *pipeline.DiffResult) {
	if !res.Success {
		msg := "unknown error"
		if res.ErrorMessage != nil {
			msg = *res.ErrorMessage
		}
		fmt.Fprintf(w, "%s %s\n", redHighlight("FAILED"), msg)
		if res.ErrorKind != "" {
			fmt.Fprintf(w, "  kind: %s\n", res.ErrorKind)
		}
		if res.CombinedLog != "" {
			fmt.Fprintf(w, "\n%s\n%s\n", yellowHighlight("build log (tail):"), strings.TrimRight(res.CombinedLog, "\n"))
		}
		return
	}

	var changed, total uint64
	if res.ChangedPixelCount != nil {
		changed = *res.ChangedPixelCount
	}
	if res.TotalPixelCount != nil {
		total = *res.TotalPixelCount
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(changed) / float64(total)
	}

	status := greenHighlight("IDENTICAL")
	if changed > 0 {
		status = yellowHighlight("CHANGED")
	}
	fmt.Fprintf(w, "%s %d of %d pixels differ (%.2f%%)\n", status, changed, total, ratio*100)
	if res.RequestID != "" {
		fmt.Fprintf(w, "  request: %s\n", res.RequestID)
	}
}

// writeImages stores the three PNGs of a successful result in dir.
func writeImages(dir string, res *pipeline.DiffResult) ([]string, error) {
	if !res.Success {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating output directory %s: %w", dir, err)
	}
	files := []struct {
		name string
		data []byte
	}{
		{"baseline.png", res.BaselineImage},
		{"candidate.png", res.CandidateImage},
		{"diff.png", res.DiffImage},
	}
	var written []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, 0644); err != nil {
			return written, fmt.Errorf("writing %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
