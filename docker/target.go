// Package docker runs commands inside running containers through the Docker
// API. Target plugs container exec into the run package, so the same Runner
// semantics (capture, display, watchers, timeouts) apply to containers as to
// SSH hosts and local subprocesses.
//
// Standard environment variables (DOCKER_HOST etc.) configure the client.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/hoist-sh/hoist/run"
)

// execPollInterval spaces exit-status polls after the streams end.
const execPollInterval = 100 * time.Millisecond

// execPollBound caps how long Wait polls for an exit status; the process has
// already closed its streams by then.
const execPollBound = 10 * time.Second

// Target runs commands in one container. It implements run.Target.
type Target struct {
	containerID string
	shell       string
	user        string
	cli         *client.Client
	log         *zap.SugaredLogger
}

// Option adjusts a Target.
type Option func(*Target)

// WithClient uses an existing Docker client instead of building one from the
// environment.
func WithClient(cli *client.Client) Option {
	return func(t *Target) { t.cli = cli }
}

// WithShell overrides the shell that interprets command lines. Default
// /bin/sh.
func WithShell(shell string) Option {
	return func(t *Target) { t.shell = shell }
}

// WithUser runs commands as the given user inside the container.
func WithUser(user string) Option {
	return func(t *Target) { t.user = user }
}

// WithLogger routes the target's debug logging.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *Target) { t.log = log.Named("docker_target") }
}

// NewTarget builds a Target for a running container, identified by ID or
// name.
func NewTarget(containerID string, opts ...Option) (*Target, error) {
	t := &Target{
		containerID: containerID,
		shell:       "/bin/sh",
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("building Docker client: %w", err)
		}
		t.cli = cli
	}
	if t.log == nil {
		log, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("instantiating default logger: %w", err)
		}
		t.log = log.Sugar().Named("docker_target")
	}
	return t, nil
}

func (t *Target) String() string {
	id := t.containerID
	if len(id) > 12 {
		id = id[:12]
	}
	return "docker://" + id
}

func (t *Target) Remote() bool { return true }

// Start creates and attaches an exec instance for the command. Without a TTY
// the attach stream is demultiplexed into separate stdout and stderr; with
// one, output arrives merged as the terminal produced it.
func (t *Target) Start(ctx context.Context, cmd run.Command) (run.Proc, error) {
	opts := container.ExecOptions{
		User:         t.user,
		Cmd:          []string{t.shell, "-c", cmd.Line},
		Env:          envList(cmd.Env),
		WorkingDir:   cmd.Dir,
		Tty:          cmd.PTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	if cmd.PTY {
		rows, cols := cmd.Rows, cmd.Cols
		if rows == 0 {
			rows = 24
		}
		if cols == 0 {
			cols = 80
		}
		opts.ConsoleSize = &[2]uint{uint(rows), uint(cols)}
	}
	created, err := t.cli.ContainerExecCreate(ctx, t.containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", t, err)
	}

	t.log.Debugw("created exec", "Container", t.containerID, "ExecID", created.ID, "Command", cmd.Line, "TTY", cmd.PTY)

	hijack, err := t.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: cmd.PTY})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec in %s: %w", t, err)
	}

	p := &execProc{
		target: t,
		execID: created.ID,
		hijack: hijack,
	}
	if cmd.PTY {
		p.stdout = hijack.Reader
		p.stderr = eofReader{}
	} else {
		outR, outW := io.Pipe()
		errR, errW := io.Pipe()
		p.stdout, p.stderr = outR, errR
		go func() {
			_, err := stdcopy.StdCopy(outW, errW, hijack.Reader)
			outW.CloseWithError(err)
			errW.CloseWithError(err)
		}()
	}
	return p, nil
}

type execProc struct {
	target *Target
	execID string
	hijack types.HijackedResponse
	stdout io.Reader
	stderr io.Reader

	killed    atomic.Bool
	closeOnce sync.Once
}

func (p *execProc) Stdin() io.WriteCloser { return execStdin{p} }
func (p *execProc) Stdout() io.Reader     { return p.stdout }
func (p *execProc) Stderr() io.Reader     { return p.stderr }

// Wait polls the exec instance for its exit status. The Runner calls it only
// after both streams ended, so the process is normally already gone and the
// first poll answers.
func (p *execProc) Wait() (int, error) {
	deadline := time.Now().Add(execPollBound)
	for {
		ins, err := p.target.cli.ContainerExecInspect(context.Background(), p.execID)
		if err != nil {
			return -1, fmt.Errorf("inspecting exec: %w", err)
		}
		if !ins.Running {
			return ins.ExitCode, nil
		}
		// a killed attach leaves the process running in the container;
		// there is nothing to wait for
		if p.killed.Load() {
			return -1, errors.New("exec detached while still running")
		}
		if time.Now().After(deadline) {
			return -1, errors.New("exec still running after streams closed")
		}
		time.Sleep(execPollInterval)
	}
}

// Kill severs the attach stream. The Docker API has no exec kill; the
// process inside the container is orphaned if it ignores the closed streams.
func (p *execProc) Kill() error {
	p.killed.Store(true)
	p.closeOnce.Do(p.hijack.Close)
	return nil
}

// execStdin writes command input over the hijacked attach connection.
// Closing it half-closes the connection, signalling EOF to the process while
// output keeps flowing back.
type execStdin struct {
	p *execProc
}

func (s execStdin) Write(b []byte) (int, error) { return s.p.hijack.Conn.Write(b) }
func (s execStdin) Close() error                { return s.p.hijack.CloseWrite() }

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
