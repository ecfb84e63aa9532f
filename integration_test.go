package hoist_test

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/hoist-sh/hoist"
	"github.com/hoist-sh/hoist/run"
)

// startSSHDContainer builds and runs a real sshd for end-to-end coverage of
// the paths the in-process server can only approximate.
func startSSHDContainer(t *testing.T, ctx context.Context) (host string, port int) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		FromDockerfile: testcontainers.FromDockerfile{
			Context:    filepath.Join("testdata", "sshd"),
			Dockerfile: "Dockerfile",
		},
		ExposedPorts: []string{"22/tcp"},
		WaitingFor:   wait.ForListeningPort(nat.Port("22/tcp")).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start sshd container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err = container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port("22/tcp"))
	require.NoError(t, err)
	return host, mapped.Int()
}

func TestIntegrationSSHD(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	host, port := startSSHDContainer(t, ctx)

	cfg := hoist.DefaultConfig()
	cfg.Password = "integration"
	cfg.DisableAgent = true
	cfg.InsecureHostKey = true
	cfg.KeepaliveInterval = 5 * time.Second
	cfg.Logger = zaptest.NewLogger(t).Sugar()
	conn, err := hoist.New(fmt.Sprintf("hoist@%s:%d", host, port), hoist.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	t.Run("RoundTrip", func(t *testing.T) {
		res, err := conn.Run(ctx, "printf alpha; printf beta 1>&2; exit 3",
			run.Warn(), run.Hide(run.Out|run.Err))
		require.NoError(t, err)
		assert.Equal(t, "alpha", res.Stdout)
		assert.Equal(t, "beta", res.Stderr)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("Env", func(t *testing.T) {
		res, err := conn.Run(ctx, `printf "%s" "$GREETING"`,
			run.Env(map[string]string{"GREETING": "container says hi"}),
			run.Hide(run.Out|run.Err))
		require.NoError(t, err)
		assert.Equal(t, "container says hi", res.Stdout)
	})

	t.Run("PTY", func(t *testing.T) {
		res, err := conn.Run(ctx, "test -t 0 && printf yes || printf no",
			run.PTY(), run.Hide(run.Out|run.Err))
		require.NoError(t, err)
		assert.Contains(t, res.Stdout, "yes")
	})

	t.Run("Transfer", func(t *testing.T) {
		payload := []byte("shipped through sftp")
		n, err := conn.Upload(ctx, bytes.NewReader(payload), "/home/hoist/shipped.txt")
		require.NoError(t, err)
		assert.EqualValues(t, len(payload), n)

		res, err := conn.Run(ctx, "cat /home/hoist/shipped.txt", run.Hide(run.Out|run.Err))
		require.NoError(t, err)
		assert.Equal(t, string(payload), res.Stdout)

		var back bytes.Buffer
		_, err = conn.Download(ctx, "/home/hoist/shipped.txt", &back)
		require.NoError(t, err)
		assert.Equal(t, payload, back.Bytes())
	})

	t.Run("ForwardLocalToContainerSSHD", func(t *testing.T) {
		// tunnel back to the container's own sshd and read its banner
		fwd, err := conn.ForwardLocal(ctx, "127.0.0.1:0", "127.0.0.1:22")
		require.NoError(t, err)
		t.Cleanup(func() { fwd.Close() })

		banner, err := readBanner(fwd.Addr().String())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(banner, "SSH-2.0"), "got banner %q", banner)
	})

	t.Run("WatcherOverRealSSHD", func(t *testing.T) {
		res, err := conn.Run(ctx, `printf "proceed? "; read ans; echo "answer=$ans"`,
			run.Watch(run.Respond(`proceed\? `, "yes\n")),
			run.Hide(run.Out|run.Err))
		require.NoError(t, err)
		assert.Contains(t, res.Stdout, "answer=yes")
	})
}

func readBanner(addr string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
