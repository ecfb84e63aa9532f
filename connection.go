package hoist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"

	"github.com/hoist-sh/hoist/run"
)

// A Connection executes commands on one remote host. The SSH transport is
// established lazily by the first operation that needs it and shared by all
// later ones; establishment is atomic under concurrent use, so exactly one
// handshake happens no matter how many goroutines race to trigger it.
//
// A closed Connection is reusable: the next operation dials again.
type Connection struct {
	host   string
	port   int
	user   string
	config Config
	log    *zap.SugaredLogger

	mu          sync.Mutex
	client      *ssh.Client
	sftp        *sftp.Client
	agentConn   net.Conn
	agentClient sshagent.ExtendedAgent
	agentFwd    bool
	keepalive   *keepalive
	forwards    map[string]*Forward
}

// Addr returns the host:port the connection dials.
func (c *Connection) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// User returns the login user.
func (c *Connection) User() string { return c.user }

// Host returns the bare hostname.
func (c *Connection) Host() string { return c.host }

// String renders the connection as user@host:port.
func (c *Connection) String() string {
	return c.user + "@" + c.Addr()
}

// Open establishes the transport now instead of on first use.
func (c *Connection) Open(ctx context.Context) error {
	_, err := c.ensureClient(ctx)
	return err
}

// IsConnected reports whether the transport is currently established.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Client returns the underlying SSH client, dialing if needed. It stays
// owned by the connection; do not close it.
func (c *Connection) Client(ctx context.Context) (*ssh.Client, error) {
	return c.ensureClient(ctx)
}

// ensureClient returns the established transport, dialing under the lock on
// first use so concurrent callers share a single handshake.
func (c *Connection) ensureClient(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	client, err := c.dial(ctx)
	if err != nil {
		if c.agentConn != nil {
			c.agentConn.Close()
			c.agentConn = nil
		}
		c.agentClient = nil
		return nil, &ConnectError{Host: c.Addr(), Err: err}
	}
	c.client = client
	if c.config.ForwardAgent && !c.config.DisableAgent {
		c.armAgentForward(client)
	}
	if c.config.KeepaliveInterval > 0 {
		c.keepalive = startKeepalive(client, c.config.KeepaliveInterval, c.log, func() {
			c.dropClient(client)
		})
	}
	c.log.Debugw("transport established", "User", c.user)
	return c.client, nil
}

// dropClient sheds a transport the keepalive loop found dead, unless a newer
// one has already replaced it. The next operation dials fresh.
func (c *Connection) dropClient(old *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != old {
		return
	}
	c.log.Debugw("shedding dead transport")
	if c.keepalive != nil {
		c.keepalive.stop()
		c.keepalive = nil
	}
	forwards := c.forwards
	c.forwards = nil
	for _, f := range forwards {
		f.shutdown()
	}
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	c.client = nil
	if c.agentConn != nil {
		c.agentConn.Close()
		c.agentConn = nil
	}
	c.agentClient = nil
	c.agentFwd = false
}

func (c *Connection) dial(ctx context.Context) (*ssh.Client, error) {
	hostKeys, err := c.config.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	clientConfig := &ssh.ClientConfig{
		User:            c.user,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.config.ConnectTimeout,
	}
	// one ConnectTimeout budget for the dial and the handshake together
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	addr := c.Addr()
	var netConn net.Conn
	switch {
	case c.config.Gateway != nil:
		c.log.Debugw("dialing through gateway", "Gateway", fmt.Sprint(c.config.Gateway))
		netConn, err = c.config.Gateway.DialContext(ctx, "tcp", addr)
	case c.config.ProxyCommand != "":
		c.log.Debugw("dialing through proxy command", "Command", c.config.ProxyCommand)
		netConn, err = dialProxyCommand(c.config.ProxyCommand, addr)
	default:
		d := net.Dialer{Timeout: c.config.ConnectTimeout}
		netConn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	// NewClientConn ignores clientConfig.Timeout, and the proxy conn's
	// deadlines are no-ops: bound the handshake by closing the conn when
	// the context ends.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	cc, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientConfig)
	stop()
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh handshake: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

// authMethods assembles the methods to offer, in configured priority order.
// Called under c.mu.
func (c *Connection) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(c.config.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.config.Signers...))
	}
	if len(c.config.KeyFiles) > 0 {
		signers, err := loadSigners(c.config.KeyFiles)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if !c.config.DisableAgent {
		if m := c.agentAuth(); m != nil {
			methods = append(methods, m)
		}
	}
	if c.config.Password != "" {
		methods = append(methods, ssh.Password(c.config.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication methods configured")
	}
	return methods, nil
}

// agentAuth connects to the SSH agent when one is advertised. A missing or
// unreachable agent is not an error, just an absent method.
func (c *Connection) agentAuth() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		c.log.Debugf("ssh agent unavailable: %s", err)
		return nil
	}
	c.agentConn = conn
	c.agentClient = sshagent.NewClient(conn)
	return ssh.PublicKeysCallback(c.agentClient.Signers)
}

// armAgentForward registers the agent channel handler on a fresh transport
// so sessions can request forwarding. Called under c.mu; reuses the socket
// the auth step opened when there is one. A missing agent only disables the
// feature.
func (c *Connection) armAgentForward(client *ssh.Client) {
	if c.agentClient == nil {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			c.log.Debugf("ssh agent unavailable for forwarding: %s", err)
			return
		}
		c.agentConn = conn
		c.agentClient = sshagent.NewClient(conn)
	}
	if err := sshagent.ForwardToAgent(client, c.agentClient); err != nil {
		c.log.Debugf("agent forwarding unavailable: %s", err)
		return
	}
	c.agentFwd = true
}

// agentForwarding reports whether sessions should request agent forwarding.
func (c *Connection) agentForwarding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentFwd
}

// Run executes the command on the remote host and blocks until it finishes.
// Both output streams are always captured in the Result; display mirroring,
// watchers, env, PTY and the rest come from the options.
func (c *Connection) Run(ctx context.Context, command string, opts ...run.Option) (*run.Result, error) {
	if _, err := c.ensureClient(ctx); err != nil {
		return nil, err
	}
	return run.New(remoteTarget{conn: c}, c.runOpts(opts)...).Run(ctx, command)
}

// Sudo runs the command under sudo, answering the password prompt with the
// configured sudo password.
func (c *Connection) Sudo(ctx context.Context, command string, opts ...run.Option) (*run.Result, error) {
	password := c.config.SudoPassword
	if password == "" {
		password = c.config.Password
	}
	line := fmt.Sprintf("sudo -S -p %s %s", shellQuote(run.DefaultSudoPrompt), command)
	merged := append(c.runOpts(opts), run.Watch(run.RespondPassword(password)))
	if _, err := c.ensureClient(ctx); err != nil {
		return nil, err
	}
	return run.New(remoteTarget{conn: c}, merged...).Run(ctx, line)
}

// Local executes the command on the local machine with the connection's run
// defaults, mirroring Run for mixed local/remote task code.
func (c *Connection) Local(ctx context.Context, command string, opts ...run.Option) (*run.Result, error) {
	return run.New(&run.Local{}, c.runOpts(opts)...).Run(ctx, command)
}

func (c *Connection) runOpts(opts []run.Option) []run.Option {
	merged := make([]run.Option, 0, len(c.config.RunDefaults)+len(opts)+1)
	merged = append(merged, run.Logger(c.log))
	merged = append(merged, c.config.RunDefaults...)
	merged = append(merged, opts...)
	return merged
}

// Close tears down the transport and everything riding on it: active
// forwards, the SFTP session, the keepalive loop and the agent socket. The
// connection may be used again afterwards; it will dial fresh.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepalive != nil {
		c.keepalive.stop()
		c.keepalive = nil
	}
	forwards := c.forwards
	c.forwards = nil
	for _, f := range forwards {
		f.shutdown()
	}
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.agentConn != nil {
		c.agentConn.Close()
		c.agentConn = nil
	}
	c.agentClient = nil
	c.agentFwd = false
	if err != nil {
		return fmt.Errorf("closing %s: %w", c, err)
	}
	return nil
}

func (c *Connection) addForward(f *Forward) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forwards == nil {
		c.forwards = make(map[string]*Forward)
	}
	c.forwards[f.id] = f
}

func (c *Connection) removeForward(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.forwards, id)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes the
// POSIX way.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// inlineEnv renders environment overrides as an export prefix for servers
// that reject env requests. Keys are sorted for stable command lines.
func inlineEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(env))
	for _, k := range keys {
		parts = append(parts, k+"="+shellQuote(env[k]))
	}
	return "export " + strings.Join(parts, " ")
}
