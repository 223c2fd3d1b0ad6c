// Package hivessh runs commands on remote hosts over SSH, reaching them
// through any number of jump hosts, and tunnels local listeners to
// destinations reachable from them.
//
//	h, err := hivessh.Connect(ctx, hivessh.Options{Host: "10.0.0.5", Password: "..."})
//	if err != nil {
//		return err
//	}
//	defer h.Disconnect()
//
//	exit, err := h.Execute(ctx, "uname -a", hivessh.ExecOptions{})
package hivessh

import (
	"context"

	"github.com/chainguard-dev/hivessh/internal/channel"
	"github.com/chainguard-dev/hivessh/internal/host"
	"github.com/chainguard-dev/hivessh/internal/hostid"
	"github.com/chainguard-dev/hivessh/internal/o11y"
	"github.com/chainguard-dev/hivessh/internal/settings"
	"github.com/chainguard-dev/hivessh/internal/shell"
	"github.com/chainguard-dev/hivessh/internal/ssh"
	"github.com/chainguard-dev/hivessh/internal/tunnel"
)

type (
	// Connections.
	Host     = host.Host
	Option   = host.Option
	Options  = settings.Options
	Settings = settings.Settings
	ID       = hostid.ID

	// Commands.
	CommandOptions = channel.Options
	ExecOptions    = channel.ExecOptions
	OutcomeOptions = channel.OutcomeOptions
	FilterOptions  = channel.FilterOptions
	Filter         = channel.Filter
	Mapper         = channel.Mapper
	Channel        = channel.Channel
	Exit           = channel.Exit
	Chunk          = channel.Chunk
	OutcomeError   = channel.OutcomeError
	Shell          = ssh.Shell
	KeyPair        = ssh.KeyPair

	// Shell state.
	Context = shell.Context
	Light   = shell.Light

	// Host facts and files.
	Files          = host.Files
	FileStat       = host.FileStat
	OSRelease      = host.OSRelease
	Platform       = host.Platform
	PackageManager = host.PackageManager
	Detector       = host.Detector

	// Tunnels.
	TunnelSpec   = tunnel.Spec
	TunnelServer = tunnel.Server
	LocalAddr    = tunnel.LocalAddr
	LocalSocket  = tunnel.LocalSocket
	RemoteAddr   = tunnel.RemoteAddr
	RemoteSocket = tunnel.RemoteSocket
)

var (
	ErrInvalidIdentity        = hostid.ErrInvalidIdentity
	ErrInvalidOperand         = hostid.ErrInvalidOperand
	ErrKeyFileMissing         = settings.ErrKeyFileMissing
	ErrConnectionFault        = host.ErrConnectionFault
	ErrNotConnected           = host.ErrNotConnected
	ErrCommandTimeout         = channel.ErrCommandTimeout
	ErrUnexpectedStreamOutput = channel.ErrUnexpectedStreamOutput
	ErrUnexpectedExitCode     = channel.ErrUnexpectedExitCode
	ErrInvalidSpec            = tunnel.ErrInvalidSpec
	ErrPathCollision          = tunnel.ErrPathCollision
	ErrHandshake              = ssh.ErrHandshake
	ErrHop                    = ssh.ErrHop
)

const (
	Apt = host.Apt
	Dnf = host.Dnf
	Yum = host.Yum
)

// Connect connects to the host described by 'opts'.
func Connect(ctx context.Context, opts Options, hostOpts ...Option) (*Host, error) {
	return host.Connect(ctx, opts, hostOpts...)
}

// ConnectFile connects to the host described by the YAML document at 'path'.
func ConnectFile(ctx context.Context, path string, hostOpts ...Option) (*Host, error) {
	opts, err := settings.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return host.Connect(ctx, opts, hostOpts...)
}

var (
	WithDefaults   = host.WithDefaults
	WithDetectors  = host.WithDetectors
	WithTranscript = host.WithTranscript
)

// WithForwardSource sets the originator address announced when a jump host
// forwards to the next one.
func WithForwardSource(addr string, port int) Option {
	return host.WithChainOptions(ssh.WithForwardSource(addr, port))
}

// NewKeyPair generates an ed25519 identity to install on hosts, see
// Files.AppendFile, and to connect with as Options.PrivateKey.
func NewKeyPair(comment string) (*KeyPair, error) {
	return ssh.NewKeyPair(comment)
}

// SetupTracing exports spans over OTLP/HTTP when
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT is set. The returned func flushes and
// stops the exporter.
func SetupTracing(ctx context.Context) (func(context.Context) error, error) {
	return o11y.SetupTracing(ctx)
}

// Bool returns a pointer to 'v', for the Sudo field of CommandOptions.
func Bool(v bool) *bool {
	return channel.Bool(v)
}
