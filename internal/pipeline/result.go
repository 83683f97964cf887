package pipeline

import (
	"errors"
	"fmt"
)

// DiffResult is the outcome of one run. On success all three images and
// both pixel counts are set and ErrorMessage is nil. On failure the images
// and counts are nil and ErrorMessage is set.
type DiffResult struct {
	Success           bool    `json:"success"`
	BaselineImage     []byte  `json:"baselineImage"`
	CandidateImage    []byte  `json:"candidateImage"`
	DiffImage         []byte  `json:"diffImage"`
	ChangedPixelCount *uint64 `json:"changedPixelCount"`
	TotalPixelCount   *uint64 `json:"totalPixelCount"`
	ErrorMessage      *string `json:"errorMessage"`
	CombinedLog       string  `json:"combinedLog"`

	RequestID string    `json:"-"`
	ErrorKind ErrorKind `json:"-"`
}

func succeeded(requestID string, baseline, candidate, diff []byte, changed, total uint64, log string) *DiffResult {
	return &DiffResult{
		Success:           true,
		BaselineImage:     baseline,
		CandidateImage:    candidate,
		DiffImage:         diff,
		ChangedPixelCount: &changed,
		TotalPixelCount:   &total,
		CombinedLog:       log,
		RequestID:         requestID,
	}
}

func failed(requestID string, kind ErrorKind, msg, log string) *DiffResult {
	return &DiffResult{
		Success:      false,
		ErrorMessage: &msg,
		CombinedLog:  log,
		RequestID:    requestID,
		ErrorKind:    kind,
	}
}

// Validate checks the success/failure shape of the result.
func (r *DiffResult) Validate() error {
	if r.Success {
		if r.ErrorMessage != nil {
			return errors.New("successful result carries an error message")
		}
		if len(r.BaselineImage) == 0 || len(r.CandidateImage) == 0 || len(r.DiffImage) == 0 {
			return errors.New("successful result is missing an image")
		}
		if r.ChangedPixelCount == nil || r.TotalPixelCount == nil {
			return errors.New("successful result is missing pixel counts")
		}
		if *r.ChangedPixelCount > *r.TotalPixelCount {
			return fmt.Errorf("changed pixels %d exceed total %d", *r.ChangedPixelCount, *r.TotalPixelCount)
		}
		return nil
	}
	if r.ErrorMessage == nil || *r.ErrorMessage == "" {
		return errors.New("failed result has no error message")
	}
	if r.BaselineImage != nil || r.CandidateImage != nil || r.DiffImage != nil {
		return errors.New("failed result carries images")
	}
	if r.ChangedPixelCount != nil || r.TotalPixelCount != nil {
		return errors.New("failed result carries pixel counts")
	}
	return nil
}
