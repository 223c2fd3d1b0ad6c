package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chainguard-dev/hivessh/internal/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forwarder dials locally instead of through a remote host.
type forwarder struct {
	mu    sync.Mutex
	calls []string
	conns []net.Conn
	fail  error
}

func (f *forwarder) record(call string, conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if conn != nil {
		f.conns = append(f.conns, conn)
	}
}

func (f *forwarder) ForwardTCP(ctx context.Context, src, dst ssh.Endpoint) (net.Conn, error) {
	if f.fail != nil {
		f.record("tcp "+src.String()+" "+dst.String(), nil)
		return nil, f.fail
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", dst.String())
	f.record("tcp "+src.String()+" "+dst.String(), conn)
	return conn, err
}

func (f *forwarder) ForwardStreamLocal(ctx context.Context, path string) (net.Conn, error) {
	if f.fail != nil {
		f.record("unix "+path, nil)
		return nil, f.fail
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	f.record("unix "+path, conn)
	return conn, err
}

func (f *forwarder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func echo(t *testing.T, network, addr string) net.Listener {
	t.Helper()
	l, err := net.Listen(network, addr)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l
}

func socketDir(t *testing.T) string {
	t.Helper()
	// t.TempDir paths can exceed the unix socket path limit.
	dir, err := os.MkdirTemp("", "tun")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func roundTrip(t *testing.T, network, addr, msg string) {
	t.Helper()
	conn, err := net.Dial(network, addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, msg)
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestSpecValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"addr to addr", Spec{LocalAddr{"127.0.0.1", 0}, RemoteAddr{Host: "db", Port: 5432}}, true},
		{"addr to socket", Spec{LocalAddr{"127.0.0.1", 8080}, RemoteSocket{"/run/app.sock"}}, true},
		{"socket to addr", Spec{LocalSocket{"/tmp/x.sock"}, RemoteAddr{Host: "db", Port: 5432}}, true},
		{"socket to socket", Spec{LocalSocket{"/tmp/x.sock"}, RemoteSocket{"/run/app.sock"}}, true},
		{"no local", Spec{Remote: RemoteSocket{"/run/app.sock"}}, false},
		{"no remote", Spec{Local: LocalSocket{"/tmp/x.sock"}}, false},
		{"empty local host", Spec{LocalAddr{"", 80}, RemoteSocket{"/run/app.sock"}}, false},
		{"local port range", Spec{LocalAddr{"127.0.0.1", 70000}, RemoteSocket{"/run/app.sock"}}, false},
		{"empty local path", Spec{LocalSocket{}, RemoteSocket{"/run/app.sock"}}, false},
		{"empty remote host", Spec{LocalSocket{"/tmp/x.sock"}, RemoteAddr{Port: 1}}, false},
		{"remote port zero", Spec{LocalSocket{"/tmp/x.sock"}, RemoteAddr{Host: "db"}}, false},
		{"source port range", Spec{LocalSocket{"/tmp/x.sock"}, RemoteAddr{Host: "db", Port: 1, SourcePort: -1}}, false},
		{"empty remote path", Spec{LocalSocket{"/tmp/x.sock"}, RemoteSocket{}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSpec)
			}
		})
	}
}

func TestOutTCP(t *testing.T) {
	remote := echo(t, "tcp", "127.0.0.1:0")
	port := remote.Addr().(*net.TCPAddr).Port
	f := &forwarder{}

	s, err := Out(t.Context(), f, Spec{
		Local:  LocalAddr{Host: "127.0.0.1"},
		Remote: RemoteAddr{Host: "127.0.0.1", Port: port},
	})
	require.NoError(t, err)
	defer s.Close()

	addr := s.Addr().String()
	roundTrip(t, "tcp", addr, "one")
	roundTrip(t, "tcp", addr, "two")

	// One forward per connection, sourced from the listener.
	want := fmt.Sprintf("tcp %s 127.0.0.1:%d", addr, port)
	assert.Equal(t, []string{want, want}, f.Calls())
}

func TestOutSourceOverride(t *testing.T) {
	remote := echo(t, "tcp", "127.0.0.1:0")
	port := remote.Addr().(*net.TCPAddr).Port
	f := &forwarder{}

	s, err := Out(t.Context(), f, Spec{
		Local:  LocalSocket{Path: filepath.Join(socketDir(t), "in.sock")},
		Remote: RemoteAddr{Host: "127.0.0.1", Port: port, SourcePort: 9999},
	})
	require.NoError(t, err)
	defer s.Close()

	roundTrip(t, "unix", s.Addr().String(), "hello")
	assert.Equal(t, []string{fmt.Sprintf("tcp 127.0.0.1:9999 127.0.0.1:%d", port)}, f.Calls())
}

func TestOutSocket(t *testing.T) {
	dir := socketDir(t)
	target := filepath.Join(dir, "target.sock")
	echo(t, "unix", target)
	path := filepath.Join(dir, "in.sock")
	f := &forwarder{}

	s, err := Out(t.Context(), f, Spec{
		Local:  LocalSocket{Path: path},
		Remote: RemoteSocket{Path: target},
	})
	require.NoError(t, err)
	roundTrip(t, "unix", path, "ping")
	assert.Equal(t, []string{"unix " + target}, f.Calls())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = os.Lstat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	t.Run("collision", func(t *testing.T) {
		existing := filepath.Join(dir, "taken")
		require.NoError(t, os.WriteFile(existing, nil, 0o600))
		_, err := Out(t.Context(), f, Spec{
			Local:  LocalSocket{Path: existing},
			Remote: RemoteSocket{Path: target},
		})
		assert.ErrorIs(t, err, ErrPathCollision)
	})
}

func TestOutForwardFailure(t *testing.T) {
	f := &forwarder{fail: fmt.Errorf("administratively prohibited")}
	s, err := Out(t.Context(), f, Spec{
		Local:  LocalAddr{Host: "127.0.0.1"},
		Remote: RemoteSocket{Path: "/nope"},
	})
	require.NoError(t, err)
	defer s.Close()

	for range 2 {
		conn, err := net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		select {
		case err := <-s.Errors():
			assert.ErrorIs(t, err, f.fail)
		case <-time.After(2 * time.Second):
			t.Fatal("no error reported")
		}
		// The local connection is closed, the listener keeps serving.
		_, err = conn.Read(make([]byte, 1))
		assert.Error(t, err)
		conn.Close()
	}
	assert.Len(t, f.Calls(), 2)
}

func TestCloseTearsDownPairs(t *testing.T) {
	remote := echo(t, "tcp", "127.0.0.1:0")
	port := remote.Addr().(*net.TCPAddr).Port
	f := &forwarder{}

	s, err := Out(t.Context(), f, Spec{
		Local:  LocalAddr{Host: "127.0.0.1"},
		Remote: RemoteAddr{Host: "127.0.0.1", Port: port},
	})
	require.NoError(t, err)

	conns := make([]net.Conn, 3)
	for i := range conns {
		conns[i], err = net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		defer conns[i].Close()
	}
	require.Eventually(t, func() bool { return s.Pairs() == 3 }, 2*time.Second, 10*time.Millisecond)

	// One pair going away leaves the rest alone.
	conns[0].Close()
	require.Eventually(t, func() bool { return s.Pairs() == 2 }, 2*time.Second, 10*time.Millisecond)
	roundTrip(t, "tcp", s.Addr().String(), "still serving")

	require.NoError(t, s.Close())
	<-s.Done()
	assert.Equal(t, 0, s.Pairs())
	for _, conn := range conns[1:] {
		_, err := conn.Read(make([]byte, 1))
		assert.Error(t, err)
	}
	_, ok := <-s.Errors()
	assert.False(t, ok)
	_, err = net.Dial("tcp", s.Addr().String())
	assert.Error(t, err)
}

func TestOutContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	s, err := Out(ctx, &forwarder{}, Spec{
		Local:  LocalAddr{Host: "127.0.0.1"},
		Remote: RemoteSocket{Path: "/nope"},
	})
	require.NoError(t, err)
	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
