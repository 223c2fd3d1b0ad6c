package ssh

// forward.go opens forwarded channels directly with 'ssh.Conn.OpenChannel'
// rather than through 'ssh.Client.Dial'. Dial resolves the destination
// locally and always reports a zero source endpoint; here the destination is
// sent verbatim for the remote side to resolve, and the source endpoint is the
// caller's choice.

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

const (
	channelDirectTCPIP       = "direct-tcpip"
	channelDirectStreamLocal = "direct-streamlocal@openssh.com"
)

var ErrForward = fmt.Errorf("failed to open forwarded channel")

// Endpoint is a host and port pair of a 'direct-tcpip' forward.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// RFC 4254 7.2
type directTCPIPMsg struct {
	DstHost string
	DstPort uint32
	SrcHost string
	SrcPort uint32
}

// OpenSSH PROTOCOL 2.4
type directStreamLocalMsg struct {
	SocketPath string
	Reserved0  string
	Reserved1  uint32
}

// ForwardTCP asks the remote side of 'conn' to connect to 'dst', reporting
// 'src' as the originator.
func ForwardTCP(ctx context.Context, conn ssh.Conn, src, dst Endpoint) (net.Conn, error) {
	payload := ssh.Marshal(&directTCPIPMsg{
		DstHost: dst.Host,
		DstPort: uint32(dst.Port),
		SrcHost: src.Host,
		SrcPort: uint32(src.Port),
	})
	ch, err := openChannel(ctx, conn, channelDirectTCPIP, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s to %s: %w", ErrForward, channelDirectTCPIP, dst, err)
	}
	return NewChannelConn(ch, Addr{"tcp", src.String()}, Addr{"tcp", dst.String()}), nil
}

// ForwardStreamLocal asks the remote side of 'conn' to connect to the unix
// socket at 'path'.
func ForwardStreamLocal(ctx context.Context, conn ssh.Conn, path string) (net.Conn, error) {
	payload := ssh.Marshal(&directStreamLocalMsg{SocketPath: path})
	ch, err := openChannel(ctx, conn, channelDirectStreamLocal, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s to %s: %w", ErrForward, channelDirectStreamLocal, path, err)
	}
	return NewChannelConn(ch, Addr{"unix", "@"}, Addr{"unix", path}), nil
}

// openChannel opens a channel, giving up when 'ctx' is done. A channel whose
// confirmation arrives after that is closed.
func openChannel(ctx context.Context, conn ssh.Conn, kind string, payload []byte) (ssh.Channel, error) {
	if err := context.Cause(ctx); err != nil {
		return nil, err
	}
	type result struct {
		ch  ssh.Channel
		err error
	}
	done := make(chan result, 1)
	go func() {
		ch, reqs, err := conn.OpenChannel(kind, payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
		done <- result{ch, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.ch != nil {
				r.ch.Close()
			}
		}()
		return nil, context.Cause(ctx)
	case r := <-done:
		return r.ch, r.err
	}
}
