package mock

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

const (
	channelDirectTCPIP       = "direct-tcpip"
	channelDirectStreamLocal = "direct-streamlocal@openssh.com"
)

// handleDirectTCPIP connects to the requested destination and pipes it to
// the channel. The request is recorded before the destination is dialed.
func (self *Server) handleDirectTCPIP(ctx context.Context, newChannel ssh.NewChannel) {
	var msg directTCPIPRequest
	if err := ssh.Unmarshal(newChannel.ExtraData(), &msg); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}
	self.recordForward(Forward{
		Type:    channelDirectTCPIP,
		DstHost: msg.DstHost,
		DstPort: int(msg.DstPort),
		SrcHost: msg.SrcHost,
		SrcPort: int(msg.SrcPort),
	})
	log.Debug("forwarding", "type", channelDirectTCPIP, "host", msg.DstHost, "port", msg.DstPort)
	self.accept(ctx, newChannel, "tcp", net.JoinHostPort(msg.DstHost, portString(msg.DstPort)))
}

func (self *Server) handleDirectStreamLocal(ctx context.Context, newChannel ssh.NewChannel) {
	var msg directStreamLocalRequest
	if err := ssh.Unmarshal(newChannel.ExtraData(), &msg); err != nil {
		newChannel.Reject(ssh.ConnectionFailed, "malformed direct-streamlocal request")
		return
	}
	self.recordForward(Forward{
		Type: channelDirectStreamLocal,
		Path: msg.SocketPath,
	})
	log.Debug("forwarding", "type", channelDirectStreamLocal, "path", msg.SocketPath)
	self.accept(ctx, newChannel, "unix", msg.SocketPath)
}

func (self *Server) accept(ctx context.Context, newChannel ssh.NewChannel, network, addr string) {
	var d net.Dialer
	target, err := d.DialContext(ctx, network, addr)
	if err != nil {
		newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	channel, reqs, err := newChannel.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(channel, target)
}

// pipe copies both ways until both directions end, half-closing each side as
// its source finishes.
func pipe(channel ssh.Channel, conn net.Conn) {
	var wg sync.WaitGroup
	wg.Go(func() {
		io.Copy(channel, conn)
		channel.CloseWrite()
	})
	wg.Go(func() {
		io.Copy(conn, channel)
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			conn.Close()
		}
	})
	wg.Wait()
	channel.Close()
	conn.Close()
}
