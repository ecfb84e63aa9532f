// Package hoist executes shell commands on remote hosts over SSH and on the
// local machine through one uniform API. A Connection dials lazily, reaches
// its host directly or through chains of jump hosts, runs commands with
// captured output and optional interactive watchers, forwards ports in both
// directions and transfers files over SFTP.
//
// The run subpackage holds the execution engine shared by every target kind;
// Connection wires it to SSH sessions.
package hoist

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hoist-sh/hoist/run"
)

func defaultLogger() *zap.SugaredLogger {
	log, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("building default logger: %s", err))
	}
	return log.Sugar().Named("hoist")
}

// New builds a Connection to the given host. The host string takes the form
// "[user@]host[:port]"; an explicit user or port beats the configured one.
// Nothing is dialed until the first operation needs the transport.
func New(host string, opts ...Option) (*Connection, error) {
	cfg := DefaultConfig()
	var log *zap.SugaredLogger
	c := &Connection{config: cfg}
	for _, opt := range opts {
		opt(c)
	}

	user, hostname, port, err := parseHostSpec(host)
	if err != nil {
		return nil, err
	}
	if user != "" {
		c.user = user
	}
	if c.user == "" {
		c.user = c.config.User
	}
	if port != 0 {
		c.port = port
	}
	if c.port == 0 {
		c.port = c.config.Port
	}
	c.host = hostname

	if log = c.config.Logger; log == nil {
		log = defaultLogger()
	}
	c.log = log.With("Host", c.Addr())

	if err := validateGatewayChain(c.Addr(), c.config.Gateway); err != nil {
		return nil, err
	}
	if c.config.Gateway != nil && c.config.ProxyCommand != "" {
		return nil, fmt.Errorf("connection %s: Gateway and ProxyCommand are mutually exclusive", c.Addr())
	}
	return c, nil
}

// Option adjusts a Connection at construction time.
type Option func(*Connection)

// WithConfig replaces the whole configuration. Unset fields keep their zero
// values, not the defaults, so start from DefaultConfig when building one.
func WithConfig(cfg Config) Option {
	return func(c *Connection) { c.config = cfg }
}

// WithUser sets the login user unless the host string carries one.
func WithUser(user string) Option {
	return func(c *Connection) { c.config.User = user }
}

// WithPort sets the port unless the host string carries one.
func WithPort(port int) Option {
	return func(c *Connection) { c.config.Port = port }
}

// WithPassword enables password authentication.
func WithPassword(password string) Option {
	return func(c *Connection) { c.config.Password = password }
}

// WithKeyFiles adds private key files to try during authentication.
func WithKeyFiles(paths ...string) Option {
	return func(c *Connection) { c.config.KeyFiles = append(c.config.KeyFiles, paths...) }
}

// WithGateway routes the connection through a jump host or any custom
// Gateway. Gateways nest: the jump host may itself have one.
func WithGateway(gw Gateway) Option {
	return func(c *Connection) { c.config.Gateway = gw }
}

// WithProxyCommand establishes the transport through a subprocess instead of
// a direct dial. %h and %p expand to the target host and port.
func WithProxyCommand(command string) Option {
	return func(c *Connection) { c.config.ProxyCommand = command }
}

// WithLogger routes the connection's debug logging.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Connection) { c.config.Logger = log }
}

// WithRunDefaults applies the given run options to every command on the
// connection, before per-call options.
func WithRunDefaults(opts ...run.Option) Option {
	return func(c *Connection) { c.config.RunDefaults = append(c.config.RunDefaults, opts...) }
}

// parseHostSpec splits "[user@]host[:port]". IPv6 literals need brackets when
// a port is given.
func parseHostSpec(spec string) (user, host string, port int, err error) {
	rest := spec
	if at := strings.Index(rest, "@"); at >= 0 {
		user, rest = rest[:at], rest[at+1:]
	}
	if rest == "" {
		return "", "", 0, fmt.Errorf("host spec %q has no host", spec)
	}
	host = rest
	if h, p, splitErr := net.SplitHostPort(rest); splitErr == nil {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 1 || n > 65535 {
			return "", "", 0, fmt.Errorf("host spec %q has invalid port %q", spec, p)
		}
		host, port = h, n
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", "", 0, fmt.Errorf("host spec %q has no host", spec)
	}
	return user, host, port, nil
}
