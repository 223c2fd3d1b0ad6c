// Package tunnel serves local listeners whose connections are each forwarded
// through an SSH connection to a remote address or unix socket.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"net"
	"os"
	"slices"
	"sync"

	"github.com/chainguard-dev/hivessh/internal/log"
	"github.com/chainguard-dev/hivessh/internal/o11y"
	"github.com/chainguard-dev/hivessh/internal/ssh"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPathCollision = fmt.Errorf("socket path already exists")
	ErrListen        = fmt.Errorf("failed to listen")
	ErrAccept        = fmt.Errorf("failed to accept connection")
)

// errorBuffer is how many forward errors Errors holds before dropping them.
const errorBuffer = 16

// Forwarder opens forwarded connections on the remote side of an SSH
// connection.
type Forwarder interface {
	ForwardTCP(ctx context.Context, src, dst ssh.Endpoint) (net.Conn, error)
	ForwardStreamLocal(ctx context.Context, path string) (net.Conn, error)
}

// Server is a running tunnel.
type Server struct {
	Spec Spec

	forwarder Forwarder
	listener  net.Listener
	socket    string

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	wg     sync.WaitGroup

	mu     sync.Mutex
	pairs  map[string]*pair
	closed bool

	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Out starts listening as described by 'spec'. It returns once the listener
// is ready. Every accepted connection is forwarded once through 'f'; failures
// are logged and sent to Errors without stopping the listener.
//
// The server runs until Close is called or 'ctx' is done.
func Out(ctx context.Context, f Forwarder, spec Spec) (*Server, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	network, address := spec.Local.listenAddr()
	var socket string
	if network == "unix" {
		if _, err := os.Lstat(address); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrPathCollision, address)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrListen, err)
		}
		socket = address
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrListen, network, address, err)
	}

	s := &Server{
		Spec:      spec,
		forwarder: f,
		listener:  listener,
		socket:    socket,
		pairs:     map[string]*pair{},
		errs:      make(chan error, errorBuffer),
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.stop = context.AfterFunc(ctx, func() { s.Close() })
	s.wg.Go(s.serve)

	log.Info(ctx, "tunnel listening", "local", listener.Addr(), "remote", spec.Remote)
	return s, nil
}

// Addr is the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors receives forward failures. It is closed once the server has shut
// down. Errors are dropped when nobody drains it.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Done is closed once the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Pairs returns the number of open connection pairs.
func (s *Server) Pairs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

// Close stops listening, closes every open pair and removes the socket file
// when listening on one. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.cancel()
		err := s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}

		s.mu.Lock()
		s.closed = true
		pairs := slices.Collect(maps.Values(s.pairs))
		s.mu.Unlock()
		for _, p := range pairs {
			p.close()
		}
		s.wg.Wait()

		if s.socket != "" {
			if rerr := os.Remove(s.socket); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				err = errors.Join(err, rerr)
			}
		}
		close(s.errs)
		close(s.done)
		s.closeErr = err
		log.Debug(s.ctx, "tunnel closed", "local", s.listener.Addr())
	})
	return s.closeErr
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.report(s.ctx, fmt.Errorf("%w: %w", ErrAccept, err))
			}
			return
		}
		s.wg.Go(func() { s.handle(conn) })
	}
}

func (s *Server) handle(local net.Conn) {
	p := &pair{id: uuid.NewString(), local: local}
	ctx := log.With(s.ctx, o11y.AttrPair, p.id)

	remote, err := s.forward(ctx)
	if err != nil {
		local.Close()
		s.report(ctx, err)
		return
	}
	p.remote = remote
	if !s.track(p) {
		p.close()
		return
	}
	defer s.untrack(p)

	log.Debug(ctx, "tunnel pair opened", "local", local.RemoteAddr(), "remote", s.Spec.Remote)
	if err := p.pipe(); err != nil {
		log.Debug(ctx, "tunnel pair closed", "error", err)
		return
	}
	log.Debug(ctx, "tunnel pair closed")
}

func (s *Server) forward(ctx context.Context) (net.Conn, error) {
	switch r := s.Spec.Remote.(type) {
	case RemoteAddr:
		return s.forwarder.ForwardTCP(ctx, s.source(r), ssh.Endpoint{Host: r.Host, Port: r.Port})
	case RemoteSocket:
		return s.forwarder.ForwardStreamLocal(ctx, r.Path)
	default:
		return nil, fmt.Errorf("%w: unknown remote %T", ErrInvalidSpec, r)
	}
}

// source is the originator reported for TCP forwards: the listener's own
// address, or 127.0.0.1:0 for socket listeners, each overridable per field.
func (s *Server) source(r RemoteAddr) ssh.Endpoint {
	src := ssh.Endpoint{Host: "127.0.0.1"}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		src = ssh.Endpoint{Host: addr.IP.String(), Port: addr.Port}
	}
	if r.SourceHost != "" {
		src.Host = r.SourceHost
	}
	if r.SourcePort != 0 {
		src.Port = r.SourcePort
	}
	return src
}

func (s *Server) report(ctx context.Context, err error) {
	log.Warn(ctx, "tunnel forward failed", "error", err)
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Server) track(p *pair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pairs[p.id] = p
	return true
}

func (s *Server) untrack(p *pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairs, p.id)
}

// pair is an accepted local connection and its forwarded counterpart.
type pair struct {
	id     string
	local  net.Conn
	remote net.Conn
	once   sync.Once
}

func (p *pair) close() {
	p.once.Do(func() {
		p.local.Close()
		p.remote.Close()
	})
}

// pipe copies both ways until both directions are done, then closes both
// ends. A failing direction closes both ends right away.
func (p *pair) pipe() error {
	defer p.close()
	var g errgroup.Group
	for _, dir := range [][2]net.Conn{{p.remote, p.local}, {p.local, p.remote}} {
		g.Go(func() error {
			err := transfer(dir[0], dir[1])
			if err != nil {
				p.close()
			}
			return err
		})
	}
	return g.Wait()
}

type closeWriter interface {
	CloseWrite() error
}

func transfer(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	} else {
		dst.Close()
	}
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
