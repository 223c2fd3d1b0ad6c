// Package channel runs one command on its own SSH session and turns the
// session's output and close events into a single settled Exit.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/hivessh/internal/log"
	"github.com/chainguard-dev/hivessh/internal/o11y"
	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
)

// Session is the part of '*ssh.Session' a Channel drives.
type Session interface {
	Setenv(name, value string) error
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Signal(sig ssh.Signal) error
	Close() error
}

// Opener opens a fresh session for one command.
type Opener func(ctx context.Context) (Session, error)

// ClientOpener opens sessions on 'client'.
func ClientOpener(client *ssh.Client) Opener {
	return func(context.Context) (Session, error) {
		return client.NewSession()
	}
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Channel is a running command.
type Channel struct {
	ID       string
	Cmd      string
	Settings Settings

	session Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	mu       sync.Mutex
	state    State
	timedOut bool
	failErr  error
	failed   chan struct{}

	timer    *time.Timer
	stopCtx  func() bool
	exited   chan struct{}
	code     int
	signal   string
	desc     string
	lang     string
	waitOnce sync.Once

	outcomeOnce sync.Once
	future      *Future
}

// Open starts 'cmd' on a session from 'open' with settings 's'.
//
// PWD is overlaid onto the environment. Variables are sent as 'env' requests;
// those the server refuses are exported in a prefix of the command line
// instead. A positive timeout closes the channel when it fires.
//
// Cancelling 'ctx' fails the channel with the context's cause.
func Open(ctx context.Context, open Opener, cmd string, s Settings) (*Channel, error) {
	env := maps.Clone(s.Env)
	if env == nil {
		env = map[string]string{}
	}
	env["PWD"] = s.Pwd
	keys := slices.Sorted(maps.Keys(env))
	for _, k := range keys {
		if !envName.MatchString(k) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEnv, k)
		}
	}

	session, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}

	var refused []string
	for _, k := range keys {
		if err := session.Setenv(k, env[k]); err != nil {
			refused = append(refused, k)
		}
	}

	c := &Channel{
		ID:       uuid.New().String(),
		Cmd:      cmd,
		Settings: s,
		session:  session,
		state:    Opening,
		failed:   make(chan struct{}),
		exited:   make(chan struct{}),
		code:     -1,
	}
	if c.stdin, err = session.StdinPipe(); err == nil {
		if c.stdout, err = session.StdoutPipe(); err == nil {
			c.stderr, err = session.StderrPipe()
		}
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}

	line := commandLine(cmd, s.Sudo, env, refused)
	ctx = log.With(ctx, o11y.AttrChannel, c.ID)
	log.Transcribe(ctx, "$ "+line, "starting command", "cmd", cmd, "pwd", s.Pwd, "sudo", s.Sudo)
	if err := session.Start(line); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	c.transition(Running)

	if s.Timeout > 0 {
		c.timer = time.AfterFunc(s.Timeout, c.timeout)
	}
	c.stopCtx = context.AfterFunc(ctx, func() {
		c.fail(context.Cause(ctx))
	})
	go c.wait(ctx)

	return c, nil
}

// commandLine prefixes 'cmd' with the elevation and with exports of the
// variables in 'refused'.
func commandLine(cmd string, sudo bool, env map[string]string, refused []string) string {
	if sudo {
		cmd = "sudo " + cmd
	}
	if len(refused) == 0 {
		return cmd
	}
	assignments := make([]string, 0, len(refused))
	for _, k := range refused {
		assignments = append(assignments, k+"="+shellquote.Join(env[k]))
	}
	return "export " + strings.Join(assignments, " ") + "; " + cmd
}

// wait observes the protocol close of the session.
func (c *Channel) wait(ctx context.Context) {
	err := c.session.Wait()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.stopCtx()

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	c.mu.Lock()
	switch {
	case err == nil:
		c.code = 0
	case errors.As(err, &exitErr):
		c.code = exitErr.ExitStatus()
		c.signal = exitErr.Signal()
		c.desc = exitErr.Msg()
		c.lang = exitErr.Lang()
	case errors.As(err, &missingErr):
		c.code = -1
	default:
		c.mu.Unlock()
		c.fail(fmt.Errorf("%w: %w", ErrChannel, err))
		c.mu.Lock()
	}
	c.setState(Exited)
	code := c.code
	c.mu.Unlock()

	c.session.Close()
	close(c.exited)
	log.Debug(ctx, "command exited", "cmd", c.Cmd, "code", code)
}

func (c *Channel) timeout() {
	c.mu.Lock()
	if !c.setState(TimedOut) {
		c.mu.Unlock()
		return
	}
	c.timedOut = true
	c.setState(Closing)
	c.mu.Unlock()
	c.session.Close()
}

// fail records an error event and forces the channel closed. Only the first
// event counts, and none counts once the channel reached Closing or later.
func (c *Channel) fail(err error) {
	if err == nil {
		err = context.Canceled
	}
	c.mu.Lock()
	if !c.setState(Closing) {
		c.mu.Unlock()
		return
	}
	c.failErr = err
	close(c.failed)
	c.mu.Unlock()
	c.session.Close()
}

func (c *Channel) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setState(to)
}

func (c *Channel) setState(to State) bool {
	if !canTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the session has closed.
func (c *Channel) Done() <-chan struct{} {
	return c.exited
}

// Stdin returns the command's standard input.
func (c *Channel) Stdin() io.WriteCloser {
	return c.stdin
}

// Stdout returns the raw standard output. Reading it races with Outcome.
func (c *Channel) Stdout() io.Reader {
	return c.stdout
}

// Stderr returns the raw standard error. Reading it races with Outcome.
func (c *Channel) Stderr() io.Reader {
	return c.stderr
}

// Signal delivers 'sig' to the remote process.
func (c *Channel) Signal(sig ssh.Signal) error {
	return c.session.Signal(sig)
}

// Close closes the channel. The outcome, if requested, resolves as a close
// without exit status unless another event came first.
func (c *Channel) Close() error {
	c.transition(Closing)
	err := c.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
