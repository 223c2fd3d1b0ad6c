package tunnel

import (
	"fmt"
	"net"
	"strconv"
)

var ErrInvalidSpec = fmt.Errorf("invalid tunnel spec")

// Local is where a tunnel server listens: a LocalAddr or a LocalSocket.
type Local interface {
	listenAddr() (network, address string)
	validate() error
}

// Remote is what each accepted connection is forwarded to: a RemoteAddr or a
// RemoteSocket.
type Remote interface {
	validate() error
	String() string
}

// LocalAddr listens on a TCP address. A zero Port picks a free one.
type LocalAddr struct {
	Host string `yaml:"localHost"`
	Port int    `yaml:"localPort"`
}

func (l LocalAddr) listenAddr() (string, string) {
	return "tcp", net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l LocalAddr) validate() error {
	if l.Host == "" {
		return fmt.Errorf("%w: local host is empty", ErrInvalidSpec)
	}
	if l.Port < 0 || l.Port > 65535 {
		return fmt.Errorf("%w: local port %d out of range", ErrInvalidSpec, l.Port)
	}
	return nil
}

// LocalSocket listens on a unix socket. The path must not exist yet.
type LocalSocket struct {
	Path string `yaml:"localPath"`
}

func (l LocalSocket) listenAddr() (string, string) {
	return "unix", l.Path
}

func (l LocalSocket) validate() error {
	if l.Path == "" {
		return fmt.Errorf("%w: local path is empty", ErrInvalidSpec)
	}
	return nil
}

// RemoteAddr forwards to a host and port, resolved by the remote side. The
// source endpoint reported to the remote side defaults to the listener's
// address.
type RemoteAddr struct {
	Host       string `yaml:"remoteHost"`
	Port       int    `yaml:"remotePort"`
	SourceHost string `yaml:"forwardSourceHost,omitempty"`
	SourcePort int    `yaml:"forwardSourcePort,omitempty"`
}

func (r RemoteAddr) validate() error {
	if r.Host == "" {
		return fmt.Errorf("%w: remote host is empty", ErrInvalidSpec)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: remote port %d out of range", ErrInvalidSpec, r.Port)
	}
	if r.SourcePort < 0 || r.SourcePort > 65535 {
		return fmt.Errorf("%w: source port %d out of range", ErrInvalidSpec, r.SourcePort)
	}
	return nil
}

func (r RemoteAddr) String() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// RemoteSocket forwards to a unix socket on the remote side.
type RemoteSocket struct {
	Path string `yaml:"remotePath"`
}

func (r RemoteSocket) validate() error {
	if r.Path == "" {
		return fmt.Errorf("%w: remote path is empty", ErrInvalidSpec)
	}
	return nil
}

func (r RemoteSocket) String() string {
	return r.Path
}

// Spec describes one tunnel.
type Spec struct {
	Local  Local
	Remote Remote
}

func (s Spec) Validate() error {
	if s.Local == nil {
		return fmt.Errorf("%w: no local side", ErrInvalidSpec)
	}
	if s.Remote == nil {
		return fmt.Errorf("%w: no remote side", ErrInvalidSpec)
	}
	if err := s.Local.validate(); err != nil {
		return err
	}
	return s.Remote.validate()
}
