package run

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/creack/pty"
)

// Local is a Target that runs commands as subprocesses through the shell.
// The zero value is usable.
type Local struct {
	// Shell overrides the shell interpreting command lines. Defaults to
	// /bin/sh (cmd on Windows).
	Shell string
}

func (l *Local) String() string { return "local" }

func (l *Local) Remote() bool { return false }

func (l *Local) Start(ctx context.Context, c Command) (Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shell, flag := l.shell()
	cmd := exec.Command(shell, flag, c.Line)
	if len(c.Env) > 0 {
		env := os.Environ()
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Dir = c.Dir

	if c.PTY {
		// the PTY machinery puts the child in its own session already
		return startLocalPTY(cmd, c)
	}

	// own process group, so Kill takes shell children down with the shell
	// and the output pipes reach EOF
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &localProc{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (l *Local) shell() (string, string) {
	if l.Shell != "" {
		return l.Shell, "-c"
	}
	if runtime.GOOS == "windows" {
		return "cmd", "/C"
	}
	return "/bin/sh", "-c"
}

type localProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *localProc) Stdin() io.WriteCloser { return p.stdin }
func (p *localProc) Stdout() io.Reader     { return p.stdout }
func (p *localProc) Stderr() io.Reader     { return p.stderr }

func (p *localProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *localProc) Kill() error {
	return killProc(p.cmd)
}

func startLocalPTY(cmd *exec.Cmd, c Command) (Proc, error) {
	rows, cols := uint16(c.Rows), uint16(c.Cols)
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, err
	}
	return &localPTYProc{cmd: cmd, f: f}, nil
}

// localPTYProc serves both output streams from the PTY master: output arrives
// merged on stdout and stderr reads as empty.
type localPTYProc struct {
	cmd *exec.Cmd
	f   *os.File
}

func (p *localPTYProc) Stdin() io.WriteCloser { return p.f }
func (p *localPTYProc) Stdout() io.Reader     { return p.f }
func (p *localPTYProc) Stderr() io.Reader     { return eofReader{} }

func (p *localPTYProc) Wait() (int, error) {
	err := p.cmd.Wait()
	p.f.Close()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (p *localPTYProc) Kill() error {
	err := killProc(p.cmd)
	p.f.Close()
	return err
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
