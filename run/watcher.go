package run

import (
	"regexp"
)

// A Watcher inspects command output as it arrives and may answer on stdin.
// The Runner calls Observe from a single goroutine, once per arriving chunk,
// with the stream the chunk belongs to; returned responses are written to the
// command's input in order. Observe runs on the pump path and must return
// promptly. Returning an error kills the command.
//
// Watcher state is per command: attach fresh values to each Runner rather
// than sharing one across commands.
type Watcher interface {
	Observe(stream Stream, chunk []byte) (responses [][]byte, err error)
}

type streamText struct {
	text []byte
}

// Responder answers every new occurrence of a pattern with a fixed response.
//
// Matching runs against the accumulated text of each stream independently, so
// patterns spanning chunk boundaries still match. Text already consumed by a
// match is never rescanned: a prompt that sits in the buffer triggers exactly
// once, while a genuinely new occurrence later in the stream triggers again.
type Responder struct {
	pattern  *regexp.Regexp
	response []byte

	streams map[Stream]*streamText
}

// Respond builds a Responder for a regular expression pattern. It panics if
// the pattern does not compile, which suits the literal patterns it is meant
// for; see regexp.MustCompile.
func Respond(pattern, response string) *Responder {
	return &Responder{
		pattern:  regexp.MustCompile(pattern),
		response: []byte(response),
		streams:  make(map[Stream]*streamText),
	}
}

func (r *Responder) Observe(stream Stream, chunk []byte) ([][]byte, error) {
	var out [][]byte
	for i := 0; i < r.scan(stream, chunk); i++ {
		out = append(out, r.response)
	}
	return out, nil
}

// scan appends the chunk to the stream's unmatched tail and counts new
// pattern occurrences, discarding matched text so it is never rescanned.
func (r *Responder) scan(stream Stream, chunk []byte) int {
	st, ok := r.streams[stream]
	if !ok {
		st = &streamText{}
		r.streams[stream] = st
	}
	st.text = append(st.text, chunk...)

	hits := 0
	for {
		loc := r.pattern.FindIndex(st.text)
		if loc == nil {
			return hits
		}
		if loc[1] == loc[0] {
			// a zero-width match is never a prompt; skip a byte so the
			// scan always advances
			if loc[1] >= len(st.text) {
				return hits
			}
			st.text = st.text[loc[1]+1:]
			continue
		}
		st.text = st.text[loc[1]:]
		hits++
	}
}

// DefaultSudoPrompt is the prompt sentinel used for privileged commands; it
// is passed to sudo -p so the responder matches exactly what sudo prints.
const DefaultSudoPrompt = "[sudo] password:"

// DefaultMaxPrompts bounds how often a PasswordResponder answers before
// treating the repetition as failure.
const DefaultMaxPrompts = 3

// PasswordResponder answers an authentication prompt with a secret followed
// by a newline. A prompt that repeats means the secret was rejected; after
// MaxPrompts answers the responder returns a WatcherLoopError instead of
// looping forever.
type PasswordResponder struct {
	inner    *Responder
	password string
	max      int
	prompts  int
}

// RespondPassword builds a PasswordResponder for the DefaultSudoPrompt with
// the DefaultMaxPrompts bound.
func RespondPassword(password string) *PasswordResponder {
	return RespondPasswordPattern(regexp.QuoteMeta(DefaultSudoPrompt), password, DefaultMaxPrompts)
}

// RespondPasswordPattern builds a PasswordResponder for an arbitrary prompt
// pattern and answer bound. maxPrompts <= 0 means DefaultMaxPrompts. Panics
// if the pattern does not compile.
func RespondPasswordPattern(pattern, password string, maxPrompts int) *PasswordResponder {
	if maxPrompts <= 0 {
		maxPrompts = DefaultMaxPrompts
	}
	return &PasswordResponder{
		inner:    Respond(pattern, ""),
		password: password,
		max:      maxPrompts,
	}
}

func (p *PasswordResponder) Observe(stream Stream, chunk []byte) ([][]byte, error) {
	var out [][]byte
	for i := 0; i < p.inner.scan(stream, chunk); i++ {
		p.prompts++
		if p.prompts > p.max {
			return out, &WatcherLoopError{Pattern: p.inner.pattern.String(), Prompts: p.prompts}
		}
		out = append(out, []byte(p.password+"\n"))
	}
	return out, nil
}
