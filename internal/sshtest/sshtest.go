// Package sshtest runs a minimal in-process SSH server for tests: password
// auth, shell exec with exit statuses, env, pty-req and agent forwarding
// requests, an SFTP subsystem, and both port-forwarding channel types.
// Commands run as real subprocesses of the test process.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"

	"github.com/creack/pty"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"

	"github.com/hoist-sh/hoist/internal/netutil"
)

const (
	// DefaultUser and DefaultPassword authenticate against a default server.
	DefaultUser     = "testuser"
	DefaultPassword = "hunter2"
)

// Recorder notes the order in which servers authenticate clients. Sharing
// one Recorder across several servers makes jump-chain connect order
// observable.
type Recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *Recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

// Names returns the recorded server names in authentication order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// Server is one in-process SSH server bound to a loopback port.
type Server struct {
	Addr     string
	User     string
	Password string

	name       string
	rec        *Recorder
	signer     ssh.Signer
	authorized []ssh.PublicKey
	config     *ssh.ServerConfig
	listener   net.Listener

	mu        sync.Mutex
	closed    bool
	conns     map[net.Conn]struct{}
	agentReqs int
}

// Option adjusts a test server.
type Option func(*Server)

// WithName labels the server in Recorder entries.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithRecorder makes the server record successful authentications.
func WithRecorder(rec *Recorder) Option {
	return func(s *Server) { s.rec = rec }
}

// WithCredentials overrides the accepted user and password.
func WithCredentials(user, password string) Option {
	return func(s *Server) {
		s.User = user
		s.Password = password
	}
}

// WithAuthorizedKey additionally accepts public key auth with the given key.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) { s.authorized = append(s.authorized, key) }
}

// New starts a server on an ephemeral loopback port and registers its
// teardown with t.Cleanup.
func New(t *testing.T, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		User:     DefaultUser,
		Password: DefaultPassword,
		name:     "sshd",
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %s", err)
	}
	s.signer, err = ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("building host signer: %s", err)
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != s.User || string(pass) != s.Password {
				return nil, fmt.Errorf("wrong credentials for %q", meta.User())
			}
			if s.rec != nil {
				s.rec.record(s.name)
			}
			return nil, nil
		},
	}
	if len(s.authorized) > 0 {
		s.config.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			offered := key.Marshal()
			for _, k := range s.authorized {
				if bytes.Equal(offered, k.Marshal()) {
					if s.rec != nil {
						s.rec.record(s.name)
					}
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", meta.User())
		}
	}
	s.config.AddHostKey(s.signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %s", err)
	}
	s.Addr = s.listener.Addr().String()

	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Port returns the server's listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// PublicKey returns the server's host key.
func (s *Server) PublicKey() ssh.PublicKey {
	return s.signer.PublicKey()
}

// KnownHostsLine renders a known_hosts entry for the server.
func (s *Server) KnownHostsLine() string {
	return xknownhosts.Line([]string{s.Addr}, s.PublicKey())
}

// AgentForwardRequests counts the agent forwarding requests accepted on
// sessions so far.
func (s *Server) AgentForwardRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentReqs
}

// Close stops the listener and tears down every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()

	go s.handleGlobalRequests(sconn, reqs)
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			go s.handleSession(newChan)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

type ptyRequest struct {
	Term     string
	Cols     uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type envRequest struct {
	Name  string
	Value string
}

type execRequest struct {
	Command string
}

type subsystemRequest struct {
	Name string
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}

	var env []string
	var ptyReq *ptyRequest

	for req := range reqs {
		switch req.Type {
		case "env":
			var e envRequest
			if err := ssh.Unmarshal(req.Payload, &e); err == nil {
				env = append(env, e.Name+"="+e.Value)
			}
			req.Reply(true, nil)
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				ptyReq = &p
			}
			req.Reply(true, nil)
		case "auth-agent-req@openssh.com":
			s.mu.Lock()
			s.agentReqs++
			s.mu.Unlock()
			req.Reply(true, nil)
		case "exec":
			var e execRequest
			if err := ssh.Unmarshal(req.Payload, &e); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go s.runExec(ch, e.Command, env, ptyReq)
		case "subsystem":
			var sub subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go s.runSFTP(ch)
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, command string, env []string, ptyReq *ptyRequest) {
	defer ch.Close()

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)

	var code int
	if ptyReq != nil {
		code = s.runExecPTY(ch, cmd, ptyReq)
	} else {
		code = s.runExecPlain(ch, cmd)
	}

	status := struct{ Status uint32 }{uint32(code)}
	ch.SendRequest("exit-status", false, ssh.Marshal(&status))
}

func (s *Server) runExecPlain(ch ssh.Channel, cmd *exec.Cmd) int {
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	// stdin through an explicit pipe, so Wait does not depend on the
	// client ever closing its side
	stdin, err := cmd.StdinPipe()
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "%s\n", err)
		return 127
	}
	go func() {
		io.Copy(stdin, ch)
		stdin.Close()
	}()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(ch.Stderr(), "%s\n", err)
		return 127
	}
	return exitCode(cmd.Wait())
}

func (s *Server) runExecPTY(ch ssh.Channel, cmd *exec.Cmd, req *ptyRequest) int {
	rows, cols := uint16(req.Rows), uint16(req.Cols)
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		fmt.Fprintf(ch.Stderr(), "%s\n", err)
		return 127
	}
	defer f.Close()

	go io.Copy(f, ch)
	io.Copy(ch, f)
	return exitCode(cmd.Wait())
}

func (s *Server) runSFTP(ch ssh.Channel) {
	defer ch.Close()
	srv, err := sftp.NewServer(ch)
	if err != nil {
		return
	}
	defer srv.Close()
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		return
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 127
}

type directTCPIPData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) handleDirectTCPIP(newChan ssh.NewChannel) {
	var d directTCPIPData
	if err := ssh.Unmarshal(newChan.ExtraData(), &d); err != nil {
		newChan.Reject(ssh.Prohibited, "bad direct-tcpip payload")
		return
	}
	dst, err := net.Dial("tcp", net.JoinHostPort(d.DestAddr, strconv.Itoa(int(d.DestPort))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	netutil.Relay(ch, dst)
}

type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardResponse struct {
	Port uint32
}

type forwardedTCPIPData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

func (s *Server) handleGlobalRequests(sconn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	listeners := make(map[string]net.Listener)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var fwd tcpipForwardRequest
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
				req.Reply(false, nil)
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort(fwd.BindAddr, strconv.Itoa(int(fwd.BindPort))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			port := uint32(ln.Addr().(*net.TCPAddr).Port)
			listeners[net.JoinHostPort(fwd.BindAddr, strconv.Itoa(int(port)))] = ln
			go s.acceptForwarded(sconn, ln, fwd.BindAddr, port)
			if fwd.BindPort == 0 {
				req.Reply(true, ssh.Marshal(&tcpipForwardResponse{Port: port}))
			} else {
				req.Reply(true, nil)
			}
		case "cancel-tcpip-forward":
			var fwd tcpipForwardRequest
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
				req.Reply(false, nil)
				continue
			}
			key := net.JoinHostPort(fwd.BindAddr, strconv.Itoa(int(fwd.BindPort)))
			if ln, ok := listeners[key]; ok {
				ln.Close()
				delete(listeners, key)
			}
			req.Reply(true, nil)
		case "keepalive@openssh.com":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) acceptForwarded(sconn *ssh.ServerConn, ln net.Listener, bindAddr string, port uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			origin := conn.RemoteAddr().(*net.TCPAddr)
			payload := ssh.Marshal(&forwardedTCPIPData{
				DestAddr:   bindAddr,
				DestPort:   port,
				OriginAddr: origin.IP.String(),
				OriginPort: uint32(origin.Port),
			})
			ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				conn.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			netutil.Relay(ch, conn)
		}(conn)
	}
}

// GenerateKey returns a fresh ed25519 private key in PEM form together with
// its signer, for key-file authentication tests.
func GenerateKey(t *testing.T) ([]byte, ssh.Signer) {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %s", err)
	}
	block, err := ssh.MarshalPrivateKey(private, "sshtest")
	if err != nil {
		t.Fatalf("marshaling key: %s", err)
	}
	signer, err := ssh.NewSignerFromKey(private)
	if err != nil {
		t.Fatalf("building signer: %s", err)
	}
	return pem.EncodeToMemory(block), signer
}
