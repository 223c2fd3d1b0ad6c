package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeSession stands in for an '*ssh.Session'. Tests drive the remote side
// through its pipes and finish it with exit.
type fakeSession struct {
	mu      sync.Mutex
	env     map[string]string
	refuse  map[string]bool
	line    string
	signals []ssh.Signal

	started chan struct{}
	exit    chan error
	closed  chan struct{}
	once    sync.Once

	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter
}

func newFakeSession(refuse ...string) *fakeSession {
	f := &fakeSession{
		env:     map[string]string{},
		refuse:  map[string]bool{},
		started: make(chan struct{}),
		exit:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
	for _, k := range refuse {
		f.refuse[k] = true
	}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	return f
}

func (f *fakeSession) opener() Opener {
	return func(context.Context) (Session, error) {
		return f, nil
	}
}

func (f *fakeSession) Setenv(name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[name] {
		return errors.New("ssh: setenv failed")
	}
	f.env[name] = value
	return nil
}

func (f *fakeSession) StdinPipe() (io.WriteCloser, error) { return f.stdinW, nil }
func (f *fakeSession) StdoutPipe() (io.Reader, error)     { return f.stdoutR, nil }
func (f *fakeSession) StderrPipe() (io.Reader, error)     { return f.stderrR, nil }

func (f *fakeSession) Start(cmd string) error {
	f.mu.Lock()
	f.line = cmd
	f.mu.Unlock()
	close(f.started)
	return nil
}

func (f *fakeSession) Wait() error {
	select {
	case err := <-f.exit:
		return err
	case <-f.closed:
		return &ssh.ExitMissingError{}
	}
}

func (f *fakeSession) Signal(sig ssh.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeSession) Close() error {
	err := io.EOF
	f.once.Do(func() {
		f.stdoutW.Close()
		f.stderrW.Close()
		close(f.closed)
		err = nil
	})
	return err
}

func (f *fakeSession) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSession) stdout(t *testing.T, s string) {
	t.Helper()
	_, err := f.stdoutW.Write([]byte(s))
	require.NoError(t, err)
}

func (f *fakeSession) stderr(t *testing.T, s string) {
	t.Helper()
	_, err := f.stderrW.Write([]byte(s))
	require.NoError(t, err)
}

// finish closes the output streams, then reports 'err' from Wait.
func (f *fakeSession) finish(err error) {
	f.stdoutW.Close()
	f.stderrW.Close()
	f.exit <- err
}

func (f *fakeSession) commandLine() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.line
}
