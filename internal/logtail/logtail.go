// Package logtail keeps the most recent output of a build step in memory.
package logtail

import (
	"sync"
	"unicode/utf8"
)

// DefaultCapacity is the per-job retention cap in bytes.
const DefaultCapacity = 64 << 10

// Buffer is an append-only writer that retains only the last Capacity bytes.
// It is safe for concurrent use; stdout and stderr of a child process may
// write to the same Buffer.
type Buffer struct {
	mu        sync.Mutex
	buf       []byte
	capacity  int
	truncated bool
}

// New creates a Buffer that keeps at most capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity}
}

// Write appends p, discarding the oldest bytes past the cap. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.capacity {
		b.buf = append(b.buf[:0], p[n-b.capacity:]...)
		b.truncated = true
		return n, nil
	}
	if over := len(b.buf) + n - b.capacity; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// String returns the retained content.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Truncated reports whether older output has been dropped.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Tail returns the last n characters of s. A multi-byte rune is never split.
func Tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		// Byte length bounds rune count.
		return s
	}
	count := 0
	i := len(s)
	for i > 0 && count < n {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		count++
	}
	return s[i:]
}
