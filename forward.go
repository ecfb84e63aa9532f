package hoist

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/hoist-sh/hoist/internal/netutil"
)

// A Forward is one active port forwarding on a Connection. It stays open
// until Close or until the connection closes; Close releases the listener
// and every relayed connection.
type Forward struct {
	id   string
	conn *Connection
	ln   net.Listener
	desc string

	mu     sync.Mutex
	closed bool
	active map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// ForwardLocal listens on localAddr and relays every accepted connection to
// remoteAddr as seen from the remote host, like ssh -L. A ":0" local port is
// picked by the OS; read it back from Addr.
func (c *Connection) ForwardLocal(ctx context.Context, localAddr, remoteAddr string) (*Forward, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", localAddr, err)
	}
	f := c.newForward(ln, fmt.Sprintf("local %s -> %s via %s", ln.Addr(), remoteAddr, c))
	f.wg.Add(1)
	go f.acceptLoop(func() (net.Conn, error) {
		return client.Dial("tcp", remoteAddr)
	})
	return f, nil
}

// ForwardRemote listens on remoteAddr on the remote host and relays every
// accepted connection back to localAddr here, like ssh -R. A ":0" remote
// port is picked by the server; read it back from Addr.
func (c *Connection) ForwardRemote(ctx context.Context, remoteAddr, localAddr string) (*Forward, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	ln, err := client.Listen("tcp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("remote listen on %s via %s: %w", remoteAddr, c, err)
	}
	f := c.newForward(ln, fmt.Sprintf("remote %s on %s -> %s", ln.Addr(), c, localAddr))
	f.wg.Add(1)
	go f.acceptLoop(func() (net.Conn, error) {
		return net.Dial("tcp", localAddr)
	})
	return f, nil
}

func (c *Connection) newForward(ln net.Listener, desc string) *Forward {
	f := &Forward{
		id:     uuid.NewString(),
		conn:   c,
		ln:     ln,
		desc:   desc,
		active: make(map[net.Conn]struct{}),
	}
	c.addForward(f)
	c.log.Debugw("forward opened", "Forward", desc)
	return f
}

// Addr returns the listener's address; useful when the port was ":0".
func (f *Forward) Addr() net.Addr { return f.ln.Addr() }

func (f *Forward) String() string { return f.desc }

// Close releases the listener and tears down active relays. Closing twice is
// fine.
func (f *Forward) Close() error {
	f.conn.removeForward(f.id)
	return f.shutdown()
}

// shutdown stops the forward without touching the connection's registry, so
// Connection.Close can call it under its own lock.
func (f *Forward) shutdown() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := make([]net.Conn, 0, len(f.active))
	for conn := range f.active {
		conns = append(conns, conn)
	}
	f.mu.Unlock()

	err := f.ln.Close()
	for _, conn := range conns {
		conn.Close()
	}
	f.wg.Wait()
	f.conn.log.Debugw("forward closed", "Forward", f.desc)
	return err
}

func (f *Forward) acceptLoop(dial func() (net.Conn, error)) {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			dst, err := dial()
			if err != nil {
				f.conn.log.Debugf("forward dial failed: %s", err)
				conn.Close()
				return
			}
			f.track(conn)
			f.track(dst)
			netutil.Relay(conn, dst)
			f.untrack(conn)
			f.untrack(dst)
		}()
	}
}

func (f *Forward) track(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		conn.Close()
		return
	}
	f.active[conn] = struct{}{}
}

func (f *Forward) untrack(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, conn)
}
