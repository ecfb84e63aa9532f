package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const chunkSize = 32768

// ErrRunnerUsed is returned by Run when a Runner is reused; a Runner executes
// exactly one command.
var ErrRunnerUsed = errors.New("runner already ran its command")

// Runner executes a single command against a Target, pumping both output
// streams concurrently into capture buffers, the display writers and any
// attached Watchers.
type Runner struct {
	target Target
	opts   Options
	log    *zap.SugaredLogger

	ran      atomic.Bool
	killed   atomic.Bool
	proc     Proc
	stdoutCh chan []byte
	stderrCh chan []byte
	wg       sync.WaitGroup

	// watchErr is written by the collector goroutine and read after
	// wg.Wait, so it needs no lock.
	watchErr error
}

// New builds a Runner for one command on the given target.
func New(target Target, opts ...Option) *Runner {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	log := o.log
	if log == nil {
		log = defaultLogger()
	}
	return &Runner{target: target, opts: o, log: log}
}

// Run executes the command and blocks until it finishes, is killed, or the
// context ends. The Result captures both streams in full; on error the Result
// travels inside the typed error where one exists (ExitError, TimeoutError).
func (r *Runner) Run(ctx context.Context, command string) (*Result, error) {
	if !r.ran.CompareAndSwap(false, true) {
		return nil, ErrRunnerUsed
	}
	r.log = r.log.With("RunID", uuid.NewString())

	o := &r.opts
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	if o.Echo && o.Hide&Out == 0 {
		fmt.Fprintf(o.Stdout, "$ %s\n", command)
	}

	r.log.Debugw("starting command", "Command", command, "Target", r.target.String(), "PTY", o.PTY)
	start := time.Now()
	proc, err := r.target.Start(ctx, Command{
		Line: command,
		Env:  o.Env,
		Dir:  o.Dir,
		PTY:  o.PTY,
		Cols: o.PTYCols,
		Rows: o.PTYRows,
	})
	if err != nil {
		return nil, &ExecError{Target: r.target.String(), Err: err}
	}
	r.proc = proc

	r.stdoutCh = make(chan []byte)
	r.stderrCh = make(chan []byte)
	var stdoutBuf, stderrBuf bytes.Buffer

	r.wg.Add(3)
	go r.pump(Out, proc.Stdout(), r.stdoutCh)
	go r.pump(Err, proc.Stderr(), r.stderrCh)
	go r.collect(&stdoutBuf, &stderrBuf)

	if o.Stdin != nil {
		// Deliberately untracked: a feeder blocked reading caller input
		// must not hold up completion after the command exits.
		go r.feedStdin()
	}

	procDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.killed.Store(true)
			r.log.Debugf("context done, killing command: %s", ctx.Err())
			proc.Kill()
		case <-procDone:
		}
	}()

	r.wg.Wait()
	code, waitErr := proc.Wait()
	close(procDone)

	res := &Result{
		Command:  command,
		ExitCode: code,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Remote:   r.target.Remote(),
		Runtime:  time.Since(start),
	}
	if res.Remote {
		res.Host = r.target.String()
	}
	r.log.Debugw("command finished", "ExitCode", code, "Runtime", res.Runtime.String())

	switch {
	case r.watchErr != nil:
		return nil, r.watchErr
	case r.killed.Load() && ctx.Err() != nil:
		return nil, &TimeoutError{Result: res, Err: ctx.Err()}
	case waitErr != nil:
		return nil, &ExecError{Target: r.target.String(), Err: waitErr}
	case code != 0 && !o.Warn:
		return nil, &ExitError{Result: res}
	}
	return res, nil
}

// pump reads one output stream chunk by chunk into its channel. Any read
// error counts as end-of-stream: killed PTYs and closed SSH channels report
// their teardown in stream-specific ways.
func (r *Runner) pump(stream Stream, rd io.Reader, ch chan<- []byte) {
	defer r.wg.Done()
	defer close(ch)
	buf := make([]byte, chunkSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			ch <- b
		}
		if err != nil {
			if err != io.EOF {
				r.log.Debugf("%s pump ended: %s", stream, err)
			}
			return
		}
	}
}

// collect is the single goroutine that owns the capture buffers and all
// Watcher state, so neither needs locking. It runs until both pumps close
// their channels.
func (r *Runner) collect(stdoutBuf, stderrBuf *bytes.Buffer) {
	defer r.wg.Done()
	stdoutCh, stderrCh := r.stdoutCh, r.stderrCh
	for stdoutCh != nil || stderrCh != nil {
		var (
			stream Stream
			chunk  []byte
			ok     bool
		)
		select {
		case chunk, ok = <-stdoutCh:
			if !ok {
				stdoutCh = nil
				continue
			}
			stream = Out
		case chunk, ok = <-stderrCh:
			if !ok {
				stderrCh = nil
				continue
			}
			stream = Err
		}

		buf, display := stdoutBuf, r.opts.Stdout
		if stream == Err {
			buf, display = stderrBuf, r.opts.Stderr
		}
		buf.Write(chunk)
		if r.opts.Hide&stream == 0 {
			if _, err := display.Write(chunk); err != nil {
				r.log.Debugf("%s display write error: %s", stream, err)
			}
		}
		r.observe(stream, chunk)
	}
}

// observe feeds a chunk to every watcher in attachment order and writes
// responses to stdin. A watcher error kills the command; remaining output is
// still drained but no longer observed.
func (r *Runner) observe(stream Stream, chunk []byte) {
	if r.watchErr != nil {
		return
	}
	for _, w := range r.opts.Watchers {
		responses, err := w.Observe(stream, chunk)
		for _, resp := range responses {
			if _, werr := r.proc.Stdin().Write(resp); werr != nil {
				r.log.Debugf("watcher response write error: %s", werr)
			}
		}
		if err != nil {
			r.log.Debugw("watcher failed, killing command", "Stream", stream.String(), "Error", err.Error())
			r.watchErr = err
			r.proc.Kill()
			return
		}
	}
}

func (r *Runner) feedStdin() {
	stdin := r.proc.Stdin()
	_, err := io.Copy(stdin, r.opts.Stdin)
	r.log.Debugw("done copying stdin", "Error", err)
	if len(r.opts.Watchers) == 0 {
		stdin.Close()
	}
}
