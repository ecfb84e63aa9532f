package hoist

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// A Gateway opens the transport hop that carries a connection to its host.
// *Connection implements it, so connections chain: dialing through a gateway
// establishes the gateway's own transport first, recursively through any
// depth of jump hosts.
type Gateway interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// DialContext opens a tunneled connection to addr through this connection's
// host, establishing the transport first if needed. This is what makes a
// Connection usable as another Connection's Gateway.
func (c *Connection) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s through %s: %w", addr, c, err)
	}
	return conn, nil
}

// validateGatewayChain rejects a connection that appears in its own gateway
// chain, by address or by identity. Custom Gateway implementations end the
// walk.
func validateGatewayChain(addr string, gw Gateway) error {
	seen := make(map[*Connection]bool)
	for g := gw; g != nil; {
		conn, ok := g.(*Connection)
		if !ok {
			return nil
		}
		if conn.Addr() == addr {
			return fmt.Errorf("connection %s cannot appear in its own gateway chain", addr)
		}
		if seen[conn] {
			return fmt.Errorf("gateway chain of %s cycles through %s", addr, conn)
		}
		seen[conn] = true
		g = conn.config.Gateway
	}
	return nil
}

// dialProxyCommand starts the configured subprocess and adapts its stdio to
// a net.Conn for the SSH handshake. %h and %p in the command expand to the
// target host and port. The subprocess lives as long as the transport; its
// stderr passes through to the caller's.
func dialProxyCommand(command, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("proxy command target %q: %w", addr, err)
	}
	line := strings.NewReplacer("%h", host, "%p", port).Replace(command)

	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting proxy command %q: %w", line, err)
	}
	return &pipeConn{cmd: cmd, in: stdin, out: stdout, desc: line}, nil
}

// pipeConn is a net.Conn over a subprocess's stdio. Deadlines are not
// supported and silently succeed; the SSH transport does not use them.
type pipeConn struct {
	cmd  *exec.Cmd
	in   io.WriteCloser
	out  io.ReadCloser
	desc string

	closeOnce sync.Once
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.out.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.in.Write(b) }

// Close stops the subprocess and reaps it. The proxy's exit status does not
// matter once the transport is done with it.
func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() {
		p.in.Close()
		p.out.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		p.cmd.Wait()
	})
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr  { return proxyAddr{desc: "stdio"} }
func (p *pipeConn) RemoteAddr() net.Addr { return proxyAddr{desc: p.desc} }

func (p *pipeConn) SetDeadline(time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type proxyAddr struct {
	desc string
}

func (a proxyAddr) Network() string { return "proxy" }
func (a proxyAddr) String() string  { return a.desc }
