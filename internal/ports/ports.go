// Package ports hands out free loopback TCP ports for preview servers.
package ports

import (
	"fmt"
	"net"
)

// Allocator returns a port that was free at the moment of the call.
type Allocator interface {
	Allocate() (uint16, error)
}

// AllocatorFunc adapts a function to Allocator.
type AllocatorFunc func() (uint16, error)

// Allocate calls f.
func (f AllocatorFunc) Allocate() (uint16, error) { return f() }

// Loopback is the default Allocator. It binds 127.0.0.1:0, reads the
// kernel-assigned port and releases the socket before returning.
//
// The port is not reserved afterwards; another process may take it before
// the preview server binds it. Callers surface that as a start failure.
var Loopback Allocator = AllocatorFunc(Allocate)

// Allocate asks the OS for an ephemeral port on the loopback interface.
func Allocate() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("binding ephemeral port: %w", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		_ = l.Close()
		return 0, fmt.Errorf("unexpected listener address %T", l.Addr())
	}
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("releasing port %d: %w", addr.Port, err)
	}
	return uint16(addr.Port), nil
}
