package run

import (
	"context"
	"io"
)

// Command describes one command execution as handed to a Target.
type Command struct {
	// Line is the command line, interpreted by the target's shell.
	Line string
	// Env holds environment overrides applied on top of the target's
	// ambient environment.
	Env map[string]string
	// Dir is the working directory, when non-empty.
	Dir string
	// PTY requests a pseudo-terminal. With a PTY both output streams
	// arrive merged on stdout and stderr capture stays empty.
	PTY bool
	// Cols and Rows size the PTY. Zero means 80x24.
	Cols, Rows int
}

// A Target starts commands. Implementations exist for local subprocesses,
// SSH sessions and container exec; the Runner treats them uniformly.
type Target interface {
	// Start launches the command and returns the running Proc with its
	// streams wired. The context bounds startup only; cancellation of a
	// running command is the Runner's job via Proc.Kill.
	Start(ctx context.Context, cmd Command) (Proc, error)

	// String identifies the target in Results, errors and logs.
	String() string

	// Remote reports whether commands leave the local host.
	Remote() bool
}

// A Proc is one started command. The Runner owns it: it pumps the output
// streams to completion, then calls Wait exactly once.
type Proc interface {
	// Stdin is the command's input stream.
	Stdin() io.WriteCloser
	// Stdout is the command's output stream (the merged stream under a PTY).
	Stdout() io.Reader
	// Stderr is the command's error stream (empty under a PTY).
	Stderr() io.Reader
	// Wait blocks until the command finishes and returns its exit status.
	// The error is non-nil only when no status could be collected.
	Wait() (int, error)
	// Kill forcibly terminates the command, unblocking the streams.
	Kill() error
}
