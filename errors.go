package hoist

import "fmt"

// ConnectError reports a failed attempt to establish the SSH transport. When
// the connection runs through gateways, errors nest outside-in: unwrapping
// walks from this connection's host down to the hop that actually failed.
type ConnectError struct {
	// Host is the host:port whose transport could not be established.
	Host string
	// Err is the underlying cause, possibly a ConnectError of a gateway hop.
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %s", e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
