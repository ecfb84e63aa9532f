package run

import (
	"io"
	"time"

	"go.uber.org/zap"
)

// Options collects the per-command settings applied by a Runner. Zero value:
// capture both streams, mirror both to os.Stdout/os.Stderr, no PTY, nonzero
// exits raise ExitError.
type Options struct {
	// Hide suppresses display mirroring for the selected streams. Capture
	// is unaffected.
	Hide Stream
	// Echo prints the command line to the stdout display writer before
	// running, unless stdout is hidden.
	Echo bool
	// Warn turns nonzero exits into plain Results instead of ExitErrors.
	Warn bool
	// PTY requests a pseudo-terminal for the command.
	PTY bool
	// PTYCols and PTYRows size the PTY. Zero means 80x24.
	PTYCols, PTYRows int
	// Env holds environment overrides for this command.
	Env map[string]string
	// Dir is the working directory for this command.
	Dir string
	// Timeout bounds the command's total runtime. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration
	// Watchers observe output and may inject input, in attachment order.
	Watchers []Watcher
	// Stdout and Stderr are the display writers. Nil means os.Stdout and
	// os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
	// Stdin, when set, is copied to the command's input. It is closed
	// after the copy only when no Watchers are attached, so watcher
	// responses keep a usable input stream.
	Stdin io.Reader

	log *zap.SugaredLogger
}

// Option adjusts one command execution.
type Option func(*Options)

// Hide suppresses display mirroring for the given streams, e.g.
// Hide(Out|Err). Captured output is unaffected.
func Hide(s Stream) Option {
	return func(o *Options) { o.Hide |= s }
}

// Echo prints the command line before execution.
func Echo() Option {
	return func(o *Options) { o.Echo = true }
}

// Warn makes nonzero exits return a Result instead of an ExitError.
func Warn() Option {
	return func(o *Options) { o.Warn = true }
}

// PTY allocates a pseudo-terminal for the command.
func PTY() Option {
	return func(o *Options) { o.PTY = true }
}

// PTYSize allocates a pseudo-terminal with the given dimensions. Zero values
// keep the 80x24 default.
func PTYSize(cols, rows int) Option {
	return func(o *Options) {
		o.PTY = true
		o.PTYCols, o.PTYRows = cols, rows
	}
}

// Env sets environment overrides for the command.
func Env(env map[string]string) Option {
	return func(o *Options) {
		if o.Env == nil {
			o.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.Env[k] = v
		}
	}
}

// Dir sets the command's working directory.
func Dir(dir string) Option {
	return func(o *Options) { o.Dir = dir }
}

// Timeout bounds the command's runtime; exceeding it yields a TimeoutError
// carrying the partial Result.
func Timeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// Watch attaches watchers to the command.
func Watch(ws ...Watcher) Option {
	return func(o *Options) { o.Watchers = append(o.Watchers, ws...) }
}

// Stdout redirects display mirroring of the output stream.
func Stdout(w io.Writer) Option {
	return func(o *Options) { o.Stdout = w }
}

// Stderr redirects display mirroring of the error stream.
func Stderr(w io.Writer) Option {
	return func(o *Options) { o.Stderr = w }
}

// Stdin feeds the reader to the command's input.
func Stdin(r io.Reader) Option {
	return func(o *Options) { o.Stdin = r }
}

// Logger routes the Runner's debug logging.
func Logger(l *zap.SugaredLogger) Option {
	return func(o *Options) { o.log = l }
}
