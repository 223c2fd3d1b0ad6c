package host

import (
	"context"
	"net"

	"github.com/chainguard-dev/hivessh/internal/ssh"
	"github.com/chainguard-dev/hivessh/internal/tunnel"
)

var _ tunnel.Forwarder = (*Host)(nil)

// ForwardTCP opens a 'direct-tcpip' forward from the target host to 'dst'.
func (h *Host) ForwardTCP(ctx context.Context, src, dst ssh.Endpoint) (net.Conn, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	return ssh.ForwardTCP(ctx, h.chain.Client, src, dst)
}

// ForwardStreamLocal opens a forward from the target host to the unix socket
// at 'path'.
func (h *Host) ForwardStreamLocal(ctx context.Context, path string) (net.Conn, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	return ssh.ForwardStreamLocal(ctx, h.chain.Client, path)
}

// TunnelOut serves 'spec' locally, forwarding through the target host. The
// server shuts down when 'ctx' is done or the host faults.
func (h *Host) TunnelOut(ctx context.Context, spec tunnel.Spec) (*tunnel.Server, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	ctx, release := h.bind(ctx)
	s, err := tunnel.Out(ctx, h, spec)
	if err != nil {
		release()
		return nil, err
	}
	go func() {
		<-s.Done()
		release()
	}()
	return s, nil
}
