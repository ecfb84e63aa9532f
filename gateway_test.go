package hoist_test

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoist-sh/hoist"
	"github.com/hoist-sh/hoist/internal/netutil"
	"github.com/hoist-sh/hoist/internal/sshtest"
)

func TestGatewayChainConnectsInnermostFirst(t *testing.T) {
	rec := &sshtest.Recorder{}
	srvA := sshtest.New(t, sshtest.WithName("a"), sshtest.WithRecorder(rec))
	srvB := sshtest.New(t, sshtest.WithName("b"), sshtest.WithRecorder(rec))
	srvC := sshtest.New(t, sshtest.WithName("c"), sshtest.WithRecorder(rec))

	connA := newConn(t, srvA)
	connB := newConn(t, srvB, hoist.WithGateway(connA))
	connC := newConn(t, srvC, hoist.WithGateway(connB))

	res, err := connC.Run(context.Background(), "printf through-two-hops")
	require.NoError(t, err)
	assert.Equal(t, "through-two-hops", res.Stdout)

	// reaching c established a first, then b through a, then c through b
	assert.Equal(t, []string{"a", "b", "c"}, rec.Names())
	assert.True(t, connA.IsConnected())
	assert.True(t, connB.IsConnected())
}

func TestGatewayMidChainFailureNamesTheHop(t *testing.T) {
	srvA := sshtest.New(t)
	connA := newConn(t, srvA)

	deadPort, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)
	deadAddr := fmt.Sprintf("127.0.0.1:%d", deadPort)

	cfgB := hoist.DefaultConfig()
	cfgB.User = "u"
	cfgB.Password = "x"
	cfgB.DisableAgent = true
	cfgB.InsecureHostKey = true
	cfgB.ConnectTimeout = 2 * time.Second
	connB, err := hoist.New(deadAddr, hoist.WithConfig(cfgB), hoist.WithGateway(connA))
	require.NoError(t, err)

	srvC := sshtest.New(t)
	connC := newConn(t, srvC, hoist.WithGateway(connB))

	_, err = connC.Run(context.Background(), "true")
	require.Error(t, err)

	var outer *hoist.ConnectError
	require.ErrorAs(t, err, &outer)
	assert.Equal(t, srvC.Addr, outer.Host)

	var inner *hoist.ConnectError
	require.ErrorAs(t, outer.Err, &inner)
	assert.Equal(t, deadAddr, inner.Host)
}

func TestGatewaySharedHopDialsOnce(t *testing.T) {
	rec := &sshtest.Recorder{}
	bastion := sshtest.New(t, sshtest.WithName("bastion"), sshtest.WithRecorder(rec))
	srv1 := sshtest.New(t, sshtest.WithName("one"), sshtest.WithRecorder(rec))
	srv2 := sshtest.New(t, sshtest.WithName("two"), sshtest.WithRecorder(rec))

	jump := newConn(t, bastion)
	conn1 := newConn(t, srv1, hoist.WithGateway(jump))
	conn2 := newConn(t, srv2, hoist.WithGateway(jump))

	_, err := conn1.Run(context.Background(), "true")
	require.NoError(t, err)
	_, err = conn2.Run(context.Background(), "true")
	require.NoError(t, err)

	assert.Equal(t, []string{"bastion", "one", "two"}, rec.Names())
}

func TestSelfGatewayRejected(t *testing.T) {
	base, err := hoist.New("alice@web1:2222", hoist.WithPassword("x"))
	require.NoError(t, err)

	_, err = hoist.New("bob@web1:2222", hoist.WithGateway(base))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "own gateway chain")

	// the same address deeper in the chain is just as circular
	mid, err := hoist.New("carol@jump:22", hoist.WithGateway(base))
	require.NoError(t, err)
	_, err = hoist.New("dave@web1:2222", hoist.WithGateway(mid))
	require.Error(t, err)
}

func TestGatewayAndProxyCommandExclusive(t *testing.T) {
	jump, err := hoist.New("jump:22")
	require.NoError(t, err)

	_, err = hoist.New("target:22", hoist.WithGateway(jump), hoist.WithProxyCommand("nc %h %p"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestProxyCommandTransport(t *testing.T) {
	if _, err := exec.LookPath("nc"); err != nil {
		t.Skip("nc not on PATH")
	}
	srv := sshtest.New(t)

	cfg := testConfig(t, srv)
	cfg.ProxyCommand = "nc %h %p"
	conn, err := hoist.New(srv.Addr, hoist.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	res, err := conn.Run(context.Background(), "printf proxied")
	require.NoError(t, err)
	assert.Equal(t, "proxied", res.Stdout)
	require.NoError(t, conn.Close())
}
