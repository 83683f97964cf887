package logtail

import (
	"bytes"
	"io"
	"sync"
)

// PrefixWriter forwards complete lines to dst with a fixed prefix, so the
// output of several processes can share one destination without lines
// being spliced together. Partial lines are held until a newline or Flush.
type PrefixWriter struct {
	mu      sync.Mutex
	dst     io.Writer
	prefix  []byte
	pending []byte
}

// NewPrefixWriter creates a PrefixWriter.
func NewPrefixWriter(dst io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{dst: dst, prefix: []byte(prefix)}
}

// Write buffers p and emits every completed line.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if err := w.emit(w.pending[:i+1]); err != nil {
			return len(p), err
		}
		w.pending = w.pending[i+1:]
	}
	// Bound a runaway line without a newline.
	if len(w.pending) > DefaultCapacity {
		if err := w.emit(append(w.pending, '\n')); err != nil {
			return len(p), err
		}
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line, if any.
func (w *PrefixWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	err := w.emit(append(w.pending, '\n'))
	w.pending = nil
	return err
}

func (w *PrefixWriter) emit(line []byte) error {
	buf := make([]byte, 0, len(w.prefix)+len(line))
	buf = append(buf, w.prefix...)
	buf = append(buf, line...)
	_, err := w.dst.Write(buf)
	return err
}
