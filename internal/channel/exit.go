package channel

import (
	"fmt"
	"strings"
)

var (
	ErrSessionInit            = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec                = fmt.Errorf("failed to execute SSH command")
	ErrInvalidEnv             = fmt.Errorf("invalid environment variable name")
	ErrChannel                = fmt.Errorf("channel failed")
	ErrCommandTimeout         = fmt.Errorf("command timed out")
	ErrUnexpectedStreamOutput = fmt.Errorf("unexpected stream output")
	ErrUnexpectedExitCode     = fmt.Errorf("unexpected exit code")
)

// Chunk is one read from either output stream.
type Chunk struct {
	Err  bool
	Text string
}

// Exit is the settled result of a command.
type Exit struct {
	Cmd    string
	Chunks []Chunk
	// Out is the concatenation of every chunk, minus one trailing newline.
	Out    string
	AnyErr bool
	AnyStd bool
	// Code is -1 when the channel closed without an exit status.
	Code   int
	Signal string
	Desc   string
	Lang   string
}

func newExit(cmd string, chunks []Chunk, code int, signal, desc, lang string) *Exit {
	e := &Exit{
		Cmd:    cmd,
		Chunks: chunks,
		Code:   code,
		Signal: signal,
		Desc:   desc,
		Lang:   lang,
	}
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(c.Text)
		if c.Err {
			e.AnyErr = true
		} else {
			e.AnyStd = true
		}
	}
	e.Out = strings.TrimSuffix(out.String(), "\n")
	return e
}

// Stream returns the concatenated text of one stream.
func (e *Exit) Stream(isErr bool) string {
	var out strings.Builder
	for _, c := range e.Chunks {
		if c.Err == isErr {
			out.WriteString(c.Text)
		}
	}
	return out.String()
}

// OutcomeError rejects a future whose channel finished at the protocol level
// but failed classification. It unwraps to its sentinel.
type OutcomeError struct {
	Err  error
	Exit *Exit
}

func (e *OutcomeError) Error() string {
	switch e.Err {
	case ErrUnexpectedStreamOutput:
		isErr := e.Exit.AnyErr
		return fmt.Sprintf("%s: %q: %s", e.Err, e.Exit.Cmd, indent(e.Exit.Stream(isErr)))
	case ErrUnexpectedExitCode:
		return fmt.Sprintf("%s %d: %q", e.Err, e.Exit.Code, e.Exit.Cmd)
	default:
		return fmt.Sprintf("%s: %q", e.Err, e.Exit.Cmd)
	}
}

func (e *OutcomeError) Unwrap() error {
	return e.Err
}

func indent(s string) string {
	return "\n  " + strings.ReplaceAll(strings.TrimSuffix(s, "\n"), "\n", "\n  ")
}
