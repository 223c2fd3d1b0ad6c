package mock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Exec is a command being run by a Handler.
type Exec struct {
	Command string
	Env     map[string]string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Context is done once the client closes the channel or signals it.
	Context context.Context

	signal string
	msg    string
}

// Kill makes the command exit by 'signal' (e.g. "KILL") instead of with a
// status.
func (e *Exec) Kill(signal, msg string) {
	e.signal, e.msg = signal, msg
}

// Handler runs a command and returns its exit status. A negative status
// closes the channel without reporting one.
type Handler func(e *Exec) int

// Reply returns a Handler printing 'stdout' and 'stderr' and exiting with
// 'code'.
func Reply(stdout, stderr string, code int) Handler {
	return func(e *Exec) int {
		if stdout != "" {
			io.WriteString(e.Stdout, stdout)
		}
		if stderr != "" {
			io.WriteString(e.Stderr, stderr)
		}
		return code
	}
}

// Hang returns a Handler that blocks until the channel goes away and never
// reports a status.
func Hang() Handler {
	return func(e *Exec) int {
		<-e.Context.Done()
		return -1
	}
}

// Delay runs 'h' after 'd', unless the channel goes away first.
func Delay(d time.Duration, h Handler) Handler {
	return func(e *Exec) int {
		select {
		case <-time.After(d):
			return h(e)
		case <-e.Context.Done():
			return -1
		}
	}
}

// Echo writes the command's stdin back to stdout until stdin closes.
func Echo() Handler {
	return func(e *Exec) int {
		io.Copy(e.Stdout, e.Stdin)
		return 0
	}
}

// Routes dispatches on the exact command line. Unknown commands fail the way
// a shell reports them.
type Routes map[string]Handler

func (r Routes) Handle(e *Exec) int {
	if h, ok := r[e.Command]; ok {
		return h(e)
	}
	for pattern, h := range r {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(e.Command, prefix) {
			return h(e)
		}
	}
	fmt.Fprintf(e.Stderr, "sh: 1: %s: not found\n", e.Command)
	return 127
}
