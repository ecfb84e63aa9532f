package hoist

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"

	"github.com/hoist-sh/hoist/run"
)

// remoteTarget starts commands as SSH exec sessions on the connection's
// transport. Each Start opens a fresh session; sessions are single-use.
type remoteTarget struct {
	conn *Connection
}

func (t remoteTarget) String() string { return t.conn.String() }

func (t remoteTarget) Remote() bool { return true }

func (t remoteTarget) Start(ctx context.Context, cmd run.Command) (run.Proc, error) {
	client, err := t.conn.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	if t.conn.agentForwarding() {
		if err := sshagent.RequestAgentForwarding(sess); err != nil {
			t.conn.log.Debugf("agent forwarding request refused: %s", err)
		}
	}

	line := cmd.Line
	if len(cmd.Env) > 0 {
		if t.conn.config.InlineEnv {
			line = inlineEnv(cmd.Env) + " && " + line
		} else {
			for k, v := range cmd.Env {
				if err := sess.Setenv(k, v); err != nil {
					sess.Close()
					return nil, fmt.Errorf("setting env %s (servers without AcceptEnv need InlineEnv): %w", k, err)
				}
			}
		}
	}
	if cmd.Dir != "" {
		line = "cd " + shellQuote(cmd.Dir) + " && " + line
	}

	if cmd.PTY {
		rows, cols := cmd.Rows, cmd.Cols
		if rows == 0 {
			rows = 24
		}
		if cols == 0 {
			cols = 80
		}
		if err := sess.RequestPty("xterm", rows, cols, ssh.TerminalModes{}); err != nil {
			sess.Close()
			return nil, fmt.Errorf("requesting pty: %w", err)
		}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, err
	}

	if err := sess.Start(line); err != nil {
		sess.Close()
		return nil, fmt.Errorf("starting command: %w", err)
	}
	return &remoteProc{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type remoteProc struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *remoteProc) Stdin() io.WriteCloser { return p.stdin }
func (p *remoteProc) Stdout() io.Reader     { return p.stdout }
func (p *remoteProc) Stderr() io.Reader     { return p.stderr }

func (p *remoteProc) Wait() (int, error) {
	err := p.sess.Wait()
	p.sess.Close()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	// no exit status arrived: the session was torn down or the server never
	// sent one
	return -1, err
}

// Kill tears the session channel down. SSH has no reliable remote kill, so
// closing the channel is what unblocks the streams; a server-side process
// may keep running detached.
func (p *remoteProc) Kill() error {
	p.sess.Signal(ssh.SIGKILL)
	return p.sess.Close()
}
