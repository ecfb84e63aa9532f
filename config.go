package hoist

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/skeema/knownhosts"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/hoist-sh/hoist/run"
)

// Config controls how a Connection authenticates, verifies hosts and runs
// commands. DefaultConfig fills the usual values; a zero Config is usable but
// has no user, port or connect timeout.
type Config struct {
	// User and Port apply when the host string carries neither.
	User string
	Port int

	// Authentication methods are offered in order: Signers, KeyFiles, the
	// SSH agent from SSH_AUTH_SOCK, Password.
	Password string
	KeyFiles []string
	Signers  []ssh.Signer
	// DisableAgent skips the SSH agent even when SSH_AUTH_SOCK is set.
	DisableAgent bool
	// ForwardAgent relays the local SSH agent to remote sessions, letting
	// commands on the host authenticate onward with the local keys.
	ForwardAgent bool

	// SudoPassword answers sudo prompts; empty falls back to Password.
	SudoPassword string

	// Host key verification, first match wins: InsecureHostKey accepts
	// anything, HostKeys pins exact keys, KnownHostsFiles checks the given
	// files, and with none of them set ~/.ssh/known_hosts applies.
	InsecureHostKey bool
	HostKeys        []ssh.PublicKey
	KnownHostsFiles []string

	// ConnectTimeout bounds the TCP dial and the SSH handshake.
	ConnectTimeout time.Duration
	// KeepaliveInterval spaces protocol-level keepalive requests on an open
	// transport. Zero disables them.
	KeepaliveInterval time.Duration

	// InlineEnv prefixes environment assignments to the remote command line
	// instead of sending env requests, for servers without AcceptEnv.
	InlineEnv bool

	// Gateway, when set, provides the transport hop to the host.
	Gateway Gateway
	// ProxyCommand, when set, runs a local subprocess as the transport.
	// %h and %p expand to the target host and port.
	ProxyCommand string

	// RunDefaults apply to every Run, Sudo and Local call on the
	// connection, before per-call options.
	RunDefaults []run.Option

	Logger *zap.SugaredLogger
}

// DefaultConfig returns the standard settings: the current OS user, port 22
// and a 10 second connect timeout.
func DefaultConfig() Config {
	cfg := Config{
		Port:           22,
		ConnectTimeout: 10 * time.Second,
	}
	if u, err := user.Current(); err == nil {
		cfg.User = u.Username
	}
	return cfg
}

func (c Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if len(c.HostKeys) > 0 {
		return fixedHostKeys(c.HostKeys), nil
	}

	files := c.KnownHostsFiles
	if len(files) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			def := filepath.Join(home, ".ssh", "known_hosts")
			if _, err := os.Stat(def); err == nil {
				files = []string{def}
			}
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no host key verification configured: set KnownHostsFiles, HostKeys or InsecureHostKey")
	}
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return cb.HostKeyCallback(), nil
}

func fixedHostKeys(keys []ssh.PublicKey) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := key.Marshal()
		for _, k := range keys {
			if bytes.Equal(got, k.Marshal()) {
				return nil
			}
		}
		return fmt.Errorf("host key for %s matches none of the %d pinned keys", hostname, len(keys))
	}
}

// loadSigners reads and parses private key files, expanding a leading ~.
func loadSigners(paths []string) ([]ssh.Signer, error) {
	signers := make([]ssh.Signer, 0, len(paths))
	for _, path := range paths {
		expanded, err := expandHome(path)
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing key file %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, path[1:]), nil
}
