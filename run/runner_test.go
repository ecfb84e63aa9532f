package run

import (
	"bytes"
	"context"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// lockedBuf is a goroutine-safe buffer standing in for stdin and display
// streams in tests.
type lockedBuf struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuf) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuf) Close() error { return nil }

func (l *lockedBuf) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// scriptedProc plays canned output written by a test script, collecting
// whatever the runner writes to stdin.
type scriptedProc struct {
	stdin *lockedBuf
	outR  *io.PipeReader
	outW  *io.PipeWriter
	errR  *io.PipeReader
	errW  *io.PipeWriter
	exit  int

	killed   chan struct{}
	killOnce sync.Once
	done     chan struct{}
}

func (p *scriptedProc) Stdin() io.WriteCloser { return p.stdin }
func (p *scriptedProc) Stdout() io.Reader     { return p.outR }
func (p *scriptedProc) Stderr() io.Reader     { return p.errR }

func (p *scriptedProc) Wait() (int, error) {
	<-p.done
	select {
	case <-p.killed:
		return -1, nil
	default:
		return p.exit, nil
	}
}

func (p *scriptedProc) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.outW.Close()
		p.errW.Close()
	})
	return nil
}

func (p *scriptedProc) isKilled() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

func (p *scriptedProc) emit(stream Stream, s string) {
	w := p.outW
	if stream == Err {
		w = p.errW
	}
	w.Write([]byte(s))
}

// awaitStdin polls until stdin contains at least n occurrences of substr,
// giving up after five seconds or when the proc is killed.
func (p *scriptedProc) awaitStdin(n int, substr string) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Count(p.stdin.String(), substr) >= n {
			return true
		}
		if p.isKilled() {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type scriptedTarget struct {
	script func(p *scriptedProc)
	exit   int
	proc   *scriptedProc
}

func (tg *scriptedTarget) Start(ctx context.Context, cmd Command) (Proc, error) {
	p := &scriptedProc{
		stdin:  &lockedBuf{},
		exit:   tg.exit,
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	tg.proc = p
	go func() {
		defer close(p.done)
		defer p.outW.Close()
		defer p.errW.Close()
		tg.script(p)
	}()
	return p, nil
}

func (tg *scriptedTarget) String() string { return "scripted" }
func (tg *scriptedTarget) Remote() bool   { return false }

func testLogger(t *testing.T) Option {
	return Logger(zaptest.NewLogger(t).Sugar())
}

func TestRunCapturesBothStreams(t *testing.T) {
	t.Parallel()
	var stdout, stderr bytes.Buffer
	r := New(&Local{}, Stdout(&stdout), Stderr(&stderr), testLogger(t))
	res, err := r.Run(context.Background(), "echo out; echo err 1>&2")
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Ok())
	assert.False(t, res.Remote)
	assert.Empty(t, res.Host)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestRunHideSuppressesDisplayOnly(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		hide     Stream
		showsOut bool
		showsErr bool
	}{
		{name: "hide both", hide: Out | Err},
		{name: "hide stdout", hide: Out, showsErr: true},
		{name: "hide stderr", hide: Err, showsOut: true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			r := New(&Local{}, Hide(tc.hide), Stdout(&stdout), Stderr(&stderr), testLogger(t))
			res, err := r.Run(context.Background(), "echo out; echo err 1>&2")
			require.NoError(t, err)

			// capture never depends on display settings
			assert.Equal(t, "out\n", res.Stdout)
			assert.Equal(t, "err\n", res.Stderr)

			if tc.showsOut {
				assert.Equal(t, "out\n", stdout.String())
			} else {
				assert.Empty(t, stdout.String())
			}
			if tc.showsErr {
				assert.Equal(t, "err\n", stderr.String())
			} else {
				assert.Empty(t, stderr.String())
			}
		})
	}
}

func TestRunNonzeroExit(t *testing.T) {
	t.Parallel()

	t.Run("default raises ExitError", func(t *testing.T) {
		t.Parallel()
		r := New(&Local{}, Hide(Out|Err), testLogger(t))
		res, err := r.Run(context.Background(), "exit 7")
		require.Nil(t, res)

		var exitErr *ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 7, exitErr.Result.ExitCode)
		assert.False(t, exitErr.Result.Ok())
	})

	t.Run("warn returns the result", func(t *testing.T) {
		t.Parallel()
		r := New(&Local{}, Warn(), Hide(Out|Err), testLogger(t))
		res, err := r.Run(context.Background(), "exit 7")
		require.NoError(t, err)
		assert.Equal(t, 7, res.ExitCode)
		assert.False(t, res.Ok())
	})
}

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()
	r := New(&Local{}, Warn(), Hide(Out|Err), testLogger(t))
	res, err := r.Run(context.Background(), "printf alpha; printf beta 1>&2; exit 3")
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "alpha", res.Stdout)
	assert.Equal(t, "beta", res.Stderr)
}

func TestRunEcho(t *testing.T) {
	t.Parallel()

	t.Run("prints command line", func(t *testing.T) {
		t.Parallel()
		var stdout bytes.Buffer
		r := New(&Local{}, Echo(), Stdout(&stdout), Stderr(io.Discard), testLogger(t))
		_, err := r.Run(context.Background(), "echo hi")
		require.NoError(t, err)
		assert.Equal(t, "$ echo hi\nhi\n", stdout.String())
	})

	t.Run("suppressed when stdout hidden", func(t *testing.T) {
		t.Parallel()
		var stdout bytes.Buffer
		r := New(&Local{}, Echo(), Hide(Out|Err), Stdout(&stdout), testLogger(t))
		_, err := r.Run(context.Background(), "echo hi")
		require.NoError(t, err)
		assert.Empty(t, stdout.String())
	})
}

func TestRunStdinFeed(t *testing.T) {
	t.Parallel()
	r := New(&Local{}, Stdin(strings.NewReader("ping\n")), Hide(Out|Err), testLogger(t))
	res, err := r.Run(context.Background(), "cat")
	require.NoError(t, err)
	assert.Equal(t, "ping\n", res.Stdout)
}

func TestRunTimeoutReturnsPartialResult(t *testing.T) {
	t.Parallel()
	r := New(&Local{}, Timeout(200*time.Millisecond), Hide(Out|Err), testLogger(t))
	start := time.Now()
	res, err := r.Run(context.Background(), "echo started; sleep 10")
	elapsed := time.Since(start)

	require.Nil(t, res)
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.ErrorIs(t, toErr.Err, context.DeadlineExceeded)
	assert.Equal(t, "started\n", toErr.Result.Stdout)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRunCancelReturnsPartialResult(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	r := New(&Local{}, Hide(Out|Err), testLogger(t))
	res, err := r.Run(ctx, "echo started; sleep 10")

	require.Nil(t, res)
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.ErrorIs(t, toErr.Err, context.Canceled)
	assert.Equal(t, "started\n", toErr.Result.Stdout)
}

func TestRunnerSingleUse(t *testing.T) {
	t.Parallel()
	r := New(&Local{}, Hide(Out|Err), testLogger(t))
	_, err := r.Run(context.Background(), "true")
	require.NoError(t, err)
	_, err = r.Run(context.Background(), "true")
	assert.ErrorIs(t, err, ErrRunnerUsed)
}

func TestRunExecErrorOnBadShell(t *testing.T) {
	t.Parallel()
	r := New(&Local{Shell: "/nonexistent-shell-480fd1"}, Hide(Out|Err), testLogger(t))
	res, err := r.Run(context.Background(), "true")
	require.Nil(t, res)
	var execErr *ExecError
	assert.ErrorAs(t, err, &execErr)
}

func TestRunLocalPTY(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("no PTY support on windows")
	}
	r := New(&Local{}, PTY(), Hide(Out|Err), testLogger(t))
	res, err := r.Run(context.Background(), "test -t 0 && printf yes || printf no")
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Stdout)
	assert.Empty(t, res.Stderr)
}

func TestRunWatcherRespondsPerOccurrence(t *testing.T) {
	t.Parallel()
	// Policy under test: the responder answers every distinct occurrence
	// of the pattern, and never re-fires on text it has already matched.
	tg := &scriptedTarget{
		script: func(p *scriptedProc) {
			p.emit(Out, "continue? [y/n] ")
			if !p.awaitStdin(1, "y\n") {
				return
			}
			p.emit(Out, "working...\nstill working\n")
			p.emit(Out, "continue? [y/n] ")
			if !p.awaitStdin(2, "y\n") {
				return
			}
			p.emit(Out, "done\n")
		},
	}
	r := New(tg, Hide(Out|Err), Watch(Respond(`continue\? \[y/n\]`, "y\n")), testLogger(t))
	res, err := r.Run(context.Background(), "interactive-thing")
	require.NoError(t, err)

	assert.Equal(t, 2, strings.Count(tg.proc.stdin.String(), "y\n"))
	assert.Contains(t, res.Stdout, "done")
}

func TestRunWatcherPatternSpansChunks(t *testing.T) {
	t.Parallel()
	tg := &scriptedTarget{
		script: func(p *scriptedProc) {
			p.emit(Out, "conti")
			p.emit(Out, "nue? [y/n] ")
			if !p.awaitStdin(1, "y\n") {
				return
			}
			p.emit(Out, "ok\n")
		},
	}
	r := New(tg, Hide(Out|Err), Watch(Respond(`continue\? \[y/n\]`, "y\n")), testLogger(t))
	res, err := r.Run(context.Background(), "interactive-thing")
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(tg.proc.stdin.String(), "y\n"))
	assert.Contains(t, res.Stdout, "ok")
}

func TestRunWatcherObservesStderr(t *testing.T) {
	t.Parallel()
	tg := &scriptedTarget{
		script: func(p *scriptedProc) {
			p.emit(Err, "are you sure? ")
			if !p.awaitStdin(1, "yes\n") {
				return
			}
			p.emit(Out, "confirmed\n")
		},
	}
	r := New(tg, Hide(Out|Err), Watch(Respond(`are you sure\?`, "yes\n")), testLogger(t))
	res, err := r.Run(context.Background(), "careful-thing")
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "confirmed")
}

func TestRunPasswordResponderEscalates(t *testing.T) {
	t.Parallel()
	tg := &scriptedTarget{
		script: func(p *scriptedProc) {
			// keep re-prompting as if the password were wrong
			for i := 1; i <= 5; i++ {
				p.emit(Out, "[sudo] password:")
				if !p.awaitStdin(i, "hunter2\n") {
					return
				}
			}
		},
	}
	r := New(tg, Hide(Out|Err), Watch(RespondPassword("hunter2")), testLogger(t))
	res, err := r.Run(context.Background(), "sudo thing")

	require.Nil(t, res)
	var loopErr *WatcherLoopError
	require.ErrorAs(t, err, &loopErr)
	assert.Equal(t, DefaultMaxPrompts+1, loopErr.Prompts)
	assert.True(t, tg.proc.isKilled())
}
