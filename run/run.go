// Package run executes single commands against pluggable targets (local
// subprocesses, SSH sessions, container exec) with one contract: both output
// streams are always captured, display mirroring is a per-stream toggle
// independent of capture, and stateful watchers can inspect output as it
// arrives and inject input in response.
//
// A Runner is single-use: build one per command, call Run once, inspect the
// Result. Nonzero exits are ordinary Results when Warn is set and ExitErrors
// otherwise; failures to start, timeouts and stuck watchers surface as their
// own error types so callers can tell them apart.
package run

import "go.uber.org/zap"

const loggerName = "runner"

// Stream selects one or both of a command's output streams.
type Stream uint8

const (
	// Out is the standard output stream.
	Out Stream = 1 << iota
	// Err is the standard error stream.
	Err
)

func (s Stream) String() string {
	switch s {
	case Out:
		return "stdout"
	case Err:
		return "stderr"
	case Out | Err:
		return "stdout|stderr"
	}
	return "none"
}

func defaultLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return l.Sugar().Named(loggerName)
}
