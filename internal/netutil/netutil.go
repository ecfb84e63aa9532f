// Package netutil has small networking helpers shared by tests and the
// forwarding code.
package netutil

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// Relay copies both directions between a and b until either side closes,
// then closes both and returns.
func Relay(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		a.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		b.Close()
	}()
	wg.Wait()
}

// EphemeralTCPPort reserves and releases a loopback TCP port, returning its
// number. The usual bind-race caveat applies; use listeners on ":0" directly
// where possible.
func EphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
