package ssh

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrDeadlineUnsupported = fmt.Errorf("deadlines are not supported on forwarded channels")

// ChannelConn adapts a forwarded 'ssh.Channel' to 'net.Conn', so a nested
// client can handshake over it and tunnels can pipe it.
type ChannelConn struct {
	ssh.Channel
	local  net.Addr
	remote net.Addr
}

func NewChannelConn(ch ssh.Channel, local, remote net.Addr) *ChannelConn {
	return &ChannelConn{Channel: ch, local: local, remote: remote}
}

func (c *ChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *ChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *ChannelConn) SetDeadline(time.Time) error      { return ErrDeadlineUnsupported }
func (c *ChannelConn) SetReadDeadline(time.Time) error  { return ErrDeadlineUnsupported }
func (c *ChannelConn) SetWriteDeadline(time.Time) error { return ErrDeadlineUnsupported }

// Addr is a 'net.Addr' for forward endpoints, whose host may be an unresolved
// name.
type Addr struct {
	Net  string
	Addr string
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Addr }
