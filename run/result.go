package run

import (
	"fmt"
	"time"
)

// Result is the immutable outcome of one command execution. Both streams are
// captured in full regardless of display settings.
type Result struct {
	// Command is the command line as given to the Runner.
	Command string
	// ExitCode is the command's exit status. -1 when the command was
	// killed before reporting one.
	ExitCode int
	// Stdout holds the captured standard output, verbatim.
	Stdout string
	// Stderr holds the captured standard error, verbatim. Empty when the
	// command ran under a PTY.
	Stderr string
	// Remote reports whether the command left the local host.
	Remote bool
	// Host identifies the remote target, e.g. "deploy@web1:22". Empty for
	// local commands.
	Host string
	// Runtime is the wall-clock duration from start to exit.
	Runtime time.Duration
}

// Ok reports whether the command exited with status zero.
func (r *Result) Ok() bool {
	return r.ExitCode == 0
}

func (r *Result) String() string {
	where := "local"
	if r.Remote {
		where = r.Host
	}
	return fmt.Sprintf("%q on %s: exit %d in %s", r.Command, where, r.ExitCode, r.Runtime.Round(time.Millisecond))
}
