package run

import (
	"fmt"
	"time"
)

// ExecError reports that the underlying process or channel could not be
// created, or died without producing an exit status. Distinct from a command
// that ran and exited nonzero, which is an ExitError.
type ExecError struct {
	Target string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("executing command on %s: %s", e.Target, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExitError reports a command that completed with a nonzero exit status while
// Warn was not set. The full Result is attached.
type ExitError struct {
	Result *Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Result.Command, e.Result.ExitCode)
}

// TimeoutError reports a command terminated early because its context was
// canceled or its deadline expired. Result holds everything captured up to
// termination; Err is the context error that triggered it.
type TimeoutError struct {
	Result *Result
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q terminated after %s: %s", e.Result.Command, e.Result.Runtime.Round(time.Millisecond), e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// WatcherLoopError reports a responder that kept being prompted without
// making progress, e.g. a password prompt repeating after each answer.
type WatcherLoopError struct {
	Pattern string
	Prompts int
}

func (e *WatcherLoopError) Error() string {
	return fmt.Sprintf("watcher for pattern %q prompted %d times without progress", e.Pattern, e.Prompts)
}
