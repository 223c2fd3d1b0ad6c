package mock

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	// User and Password are the credentials accepted by servers from Start.
	User     = "tester"
	Password = "secret"
)

type (
	// Server is an in-process SSH server.
	//
	// Server is constructed by 'NewServer' (or 'Start'), can be started (begin
	// listening and serving connections) by calling its 'ListenAndServe'
	// method. When finished, a call to 'Shutdown' closes the listener and every
	// connection.
	//
	// It serves 'session' channels ('env', 'exec', 'shell', 'signal' and the
	// 'sftp' subsystem), 'direct-tcpip' and 'direct-streamlocal@openssh.com'
	// forwards, and replies to 'keepalive@openssh.com'.
	Server struct {
		// The SSH server configuration.
		//
		// These options may be modified _prior_ to calling 'ListenAndServe',
		// modifying after will have no effect.
		Config *ssh.ServerConfig

		// Handler runs 'exec' and 'shell' requests. Defaults to exiting 0
		// without output.
		Handler Handler

		// RejectEnv refuses every 'env' request.
		RejectEnv bool

		hostKey  ssh.PublicKey
		listener net.Listener
		cancel   context.CancelFunc
		wait     Waiter
		stalled  atomic.Bool

		mu         sync.Mutex
		authorized [][]byte
		conns      map[ssh.Conn]struct{}
		requests   []Request
		forwards   []Forward
		signals    []string
	}

	// PubKeyCallback is the function called when the server receives an
	// authentication attempt via public key. Any non-nil error returned will
	// immediately abort the connection.
	PubKeyCallback func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)

	// Request is an 'exec' (or 'shell', with an empty Command) as received,
	// along with the environment accepted before it.
	Request struct {
		Command string
		Env     map[string]string
	}

	// Forward is a forwarded channel as requested by a client.
	Forward struct {
		Type    string
		DstHost string
		DstPort int
		SrcHost string
		SrcPort int
		Path    string
	}
)

func NewServer(t *testing.T, signer ssh.Signer, fn PubKeyCallback) (*Server, error) {
	if t == nil {
		return nil, fmt.Errorf("no *testing.T provided in call to NewServer")
	}
	require.NotNil(t, fn, "a non-nil public key callback is required")
	require.NotNil(t, signer, "a non-nil ssh.Signer is required")
	// Init the SSH server config, add the host key
	config := &ssh.ServerConfig{
		PublicKeyCallback: fn,
	}
	config.AddHostKey(signer)
	return &Server{
		Config:  config,
		hostKey: signer.PublicKey(),
		conns:   map[ssh.Conn]struct{}{},
	}, nil
}

// Start serves 'handler' on a loopback port until the test ends. It accepts
// User/Password as well as any public key passed to Authorize.
func Start(t *testing.T, handler Handler) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	var server *Server
	server, err = NewServer(t, signer, func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		return server.checkKey(key)
	})
	require.NoError(t, err)
	server.Config.PasswordCallback = PasswordCallback(t, User, Password)
	server.Handler = handler

	require.NoError(t, server.ListenAndServe(t, context.WithoutCancel(t.Context())))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Logf("mock server shutdown: %v", err)
		}
	})
	return server
}

// Authorize adds public keys accepted by a server from Start.
func (self *Server) Authorize(keys ...ssh.PublicKey) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for _, key := range keys {
		self.authorized = append(self.authorized, key.Marshal())
	}
}

func (self *Server) checkKey(key ssh.PublicKey) (*ssh.Permissions, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	offered := string(key.Marshal())
	for _, k := range self.authorized {
		if string(k) == offered {
			return nil, nil
		}
	}
	return nil, ErrUnauthorized
}

// HostKey returns the server's public host key.
func (self *Server) HostKey() ssh.PublicKey {
	return self.hostKey
}

func (self *Server) ListenAndServe(t *testing.T, ctx context.Context) error {
	// Wrap the context with a cancellation.
	//
	// We'll use this 'context.CancelFunc' to shutdown the server in the
	// 'Shutdown' method.
	ctx, self.cancel = context.WithCancel(ctx)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to listen on loopback: %s", err)
	self.listener = listener
	self.wait.Go(func() {
		self.serve(ctx, listener)
	})
	return nil
}

// Addr returns the loopback host and port the server listens on.
func (self *Server) Addr() (string, int) {
	addr := self.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (self *Server) serve(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error("accept failed", "error", err)
			}
			return
		}
		self.wait.Go(func() {
			self.handleConn(ctx, conn)
		})
	}
}

// handleConn attempts an SSH handshake over 'conn', then dispatches every
// channel opened on it until the connection closes.
func (self *Server) handleConn(ctx context.Context, conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, self.Config)
	if err != nil {
		log.Debug("handshake failed", "error", err)
		conn.Close()
		return
	}
	self.mu.Lock()
	self.conns[sshConn] = struct{}{}
	self.mu.Unlock()
	defer func() {
		self.mu.Lock()
		delete(self.conns, sshConn)
		self.mu.Unlock()
		sshConn.Close()
	}()

	self.wait.Go(func() {
		self.handleGlobalRequests(reqs)
	})

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			self.wait.Go(func() { self.handleSession(ctx, newChannel) })
		case channelDirectTCPIP:
			self.wait.Go(func() { self.handleDirectTCPIP(ctx, newChannel) })
		case channelDirectStreamLocal:
			self.wait.Go(func() { self.handleDirectStreamLocal(ctx, newChannel) })
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

// handleGlobalRequests answers keepalives, unless stalled.
func (self *Server) handleGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if self.stalled.Load() {
			log.Debug("leaving global request unanswered", "type", req.Type)
			continue
		}
		if req.WantReply {
			req.Reply(req.Type == "keepalive@openssh.com", nil)
		}
	}
}

// handleSession processes the requests of a 'session' channel.
//
// 'env' requests are accepted (unless RejectEnv) and collected, then handed
// to the 'exec' or 'shell' request that starts the Handler. A 'signal'
// request is recorded and cancels the running Handler's context, as does the
// client closing the channel.
func (self *Server) handleSession(ctx context.Context, newChannel ssh.NewChannel) {
	channel, reqs, err := newChannel.Accept()
	if err != nil {
		log.Error("failed to accept session", "error", err)
		return
	}
	defer channel.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	env := map[string]string{}
	started := false
	for req := range reqs {
		switch req.Type {
		case "env":
			var msg envRequest
			if self.RejectEnv || ssh.Unmarshal(req.Payload, &msg) != nil {
				reply(req, false)
				continue
			}
			env[msg.Name] = msg.Value
			reply(req, true)
		case "exec", "shell":
			var msg execRequest
			if started || (req.Type == "exec" && ssh.Unmarshal(req.Payload, &msg) != nil) {
				reply(req, false)
				continue
			}
			started = true
			reply(req, true)
			e := &Exec{
				Command: msg.Command,
				Env:     maps.Clone(env),
				Stdin:   channel,
				Stdout:  channel,
				Stderr:  channel.Stderr(),
				Context: ctx,
			}
			self.mu.Lock()
			self.requests = append(self.requests, Request{Command: e.Command, Env: e.Env})
			self.mu.Unlock()
			log.Debug("received command", "command", e.Command)
			self.wait.Go(func() { self.run(channel, e) })
		case "subsystem":
			var msg subsystemRequest
			if started || ssh.Unmarshal(req.Payload, &msg) != nil || msg.Name != "sftp" {
				reply(req, false)
				continue
			}
			started = true
			reply(req, true)
			if self.stalled.Load() {
				// Accepted, but never speaks.
				continue
			}
			self.wait.Go(func() { serveSFTP(channel) })
		case "signal":
			var msg signalRequest
			if ssh.Unmarshal(req.Payload, &msg) == nil {
				self.mu.Lock()
				self.signals = append(self.signals, msg.Signal)
				self.mu.Unlock()
			}
			cancel()
		case "pty-req", "window-change":
			reply(req, true)
		default:
			log.Warn("unsupported channel request", "type", req.Type)
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}

// run executes the Handler and reports how it exited before closing the
// channel.
func (self *Server) run(channel ssh.Channel, e *Exec) {
	handler := self.Handler
	if handler == nil {
		handler = Reply("", "", 0)
	}
	code := handler(e)
	switch {
	case e.signal != "":
		channel.SendRequest("exit-signal", false, marshalExitSignal(e.signal, e.msg))
	case code >= 0:
		channel.SendRequest("exit-status", false, marshalExitStatus(uint32(code)))
	}
	channel.CloseWrite()
	channel.Close()
}

func serveSFTP(channel ssh.Channel) {
	defer channel.Close()
	server, err := sftp.NewServer(channel)
	if err != nil {
		log.Error("failed to start sftp server", "error", err)
		return
	}
	defer server.Close()
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug("sftp server stopped", "error", err)
	}
}

// Requests returns every command received so far.
func (self *Server) Requests() []Request {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Request(nil), self.requests...)
}

// Commands returns the command lines received so far.
func (self *Server) Commands() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	commands := make([]string, 0, len(self.requests))
	for _, r := range self.requests {
		commands = append(commands, r.Command)
	}
	return commands
}

// Forwards returns every forward requested so far.
func (self *Server) Forwards() []Forward {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Forward(nil), self.forwards...)
}

// Signals returns the names of the signals received so far.
func (self *Server) Signals() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.signals...)
}

// Conns returns the number of open connections.
func (self *Server) Conns() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.conns)
}

// Stall stops (or resumes) answering global requests, so client keepalives
// time out. While stalled, an accepted sftp subsystem never speaks.
func (self *Server) Stall(stalled bool) {
	self.stalled.Store(stalled)
}

// DropConnections closes every open connection, keeping the listener.
func (self *Server) DropConnections() {
	self.mu.Lock()
	conns := make([]ssh.Conn, 0, len(self.conns))
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'ListenAndServe' first",
)

// Shutdown closes the listener and every connection, then waits for all
// Goroutines to exit.
func (self *Server) Shutdown(ctx context.Context) error {
	if self.cancel == nil {
		return ErrServerNotStarted
	}
	self.cancel()
	self.listener.Close()
	self.DropConnections()
	return self.wait.WaitContext(ctx)
}

func (self *Server) recordForward(f Forward) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.forwards = append(self.forwards, f)
}

func portString(port uint32) string {
	return strconv.FormatUint(uint64(port), 10)
}
