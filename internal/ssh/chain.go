package ssh

// chain.go connects to a target host, possibly through jump hosts.
//
// The first hop is dialed over TCP. Every later host, the target included, is
// reached through a 'direct-tcpip' forward opened on the client of the host
// before it, and a new client handshakes over that forwarded channel. With N
// hops this opens N forwards and N+1 clients, each nested in the one before.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/chainguard-dev/hivessh/internal/log"
	"github.com/chainguard-dev/hivessh/internal/o11y"
	"github.com/chainguard-dev/hivessh/internal/settings"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultForwardSourceHost and DefaultForwardSourcePort are reported as
	// the originator of the forwards between hops.
	DefaultForwardSourceHost = "127.0.0.1"
	DefaultForwardSourcePort = 60022
)

var (
	ErrSSHFailedDial = fmt.Errorf("failed to establish TCP connection")
	ErrHandshake     = fmt.Errorf("SSH handshake failed")
	ErrHop           = fmt.Errorf("failed to reach host through jump host")
)

type chainOptions struct {
	source Endpoint
}

type ChainOption func(*chainOptions)

// WithForwardSource overrides the originator reported by hop forwards.
func WithForwardSource(host string, port int) ChainOption {
	return func(o *chainOptions) {
		o.source = Endpoint{Host: host, Port: port}
	}
}

// Chain is an established connection to a target host and the jump host
// connections it runs through.
type Chain struct {
	// Client is connected to the target host.
	Client *ssh.Client

	hops      []*ssh.Client
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the target of 's' through its hops. Anything already
// connected is closed again when a later step fails. There are no retries.
func Dial(ctx context.Context, s *settings.Settings, opts ...ChainOption) (*Chain, error) {
	o := chainOptions{
		source: Endpoint{Host: DefaultForwardSourceHost, Port: DefaultForwardSourcePort},
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := o11y.Tracer().Start(ctx, "ssh.Dial", trace.WithAttributes(
		attribute.String(o11y.AttrHost, s.ID.String()),
		attribute.Int("hops", len(s.Hops)),
	))
	defer span.End()

	targets := make([]*settings.Settings, 0, len(s.Hops)+1)
	targets = append(targets, s.Hops...)
	targets = append(targets, s)

	clients := make([]*ssh.Client, 0, len(targets))
	success := false
	defer func() {
		if success {
			return
		}
		for i := len(clients) - 1; i >= 0; i-- {
			clients[i].Close()
		}
	}()

	for i, target := range targets {
		var client *ssh.Client
		var err error
		if i == 0 {
			client, err = dialDirect(ctx, target)
		} else {
			client, err = dialThrough(ctx, clients[i-1], target, o.source)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		clients = append(clients, client)
	}
	success = true

	log.Info(ctx, "connected", "host", s.ID, "hops", len(s.Hops))
	return &Chain{
		Client: clients[len(clients)-1],
		hops:   clients[:len(clients)-1],
	}, nil
}

// Hops returns the number of jump hosts in the chain.
func (c *Chain) Hops() int {
	return len(c.hops)
}

// Close closes the target client, then the hops from last to first. It is
// safe to call more than once.
func (c *Chain) Close() error {
	c.closeOnce.Do(func() {
		errs := []error{closeClient(c.Client)}
		for i := len(c.hops) - 1; i >= 0; i-- {
			errs = append(errs, closeClient(c.hops[i]))
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func closeClient(client *ssh.Client) error {
	err := client.Close()
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// dialDirect connects to 's' over TCP, bounded by its ready timeout.
func dialDirect(ctx context.Context, s *settings.Settings) (*ssh.Client, error) {
	config, err := ClientConfig(s)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.ReadyTimeout)
	defer cancel()
	ctx, span := o11y.Tracer().Start(ctx, "ssh.hop", trace.WithAttributes(
		attribute.String(o11y.AttrHop, s.ID.String()),
	))
	defer span.End()

	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSSHFailedDial, s.ID, err)
	}
	client, err := handshake(ctx, conn, s.Address(), config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, s.ID, err)
	}
	log.Debug(ctx, "dialed host", "host", s.ID)
	return client, nil
}

// dialThrough connects to 's' over a forward opened on 'via'.
func dialThrough(ctx context.Context, via *ssh.Client, s *settings.Settings, src Endpoint) (*ssh.Client, error) {
	config, err := ClientConfig(s)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.ReadyTimeout)
	defer cancel()
	ctx, span := o11y.Tracer().Start(ctx, "ssh.hop", trace.WithAttributes(
		attribute.String(o11y.AttrHop, s.ID.String()),
	))
	defer span.End()

	conn, err := ForwardTCP(ctx, via, src, Endpoint{Host: s.Host, Port: s.Port})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHop, s.ID, err)
	}
	client, err := handshake(ctx, conn, s.Address(), config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, s.ID, err)
	}
	log.Debug(ctx, "dialed host through jump host", "host", s.ID, "via", via.RemoteAddr())
	return client, nil
}

// handshake runs the client handshake over 'conn', closing 'conn' if it fails
// or 'ctx' is done first.
func handshake(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(c, chans, reqs), nil}
	}()
	select {
	case <-ctx.Done():
		conn.Close()
		if r := <-done; r.client != nil {
			r.client.Close()
		}
		return nil, context.Cause(ctx)
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, r.err
		}
		return r.client, nil
	}
}
