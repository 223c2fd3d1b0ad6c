// Package settings resolves connection options (as written by a caller or read
// from a YAML file) into fully defaulted connection settings, including the
// flattened chain of jump hosts.
package settings

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/chainguard-dev/hivessh/internal/hostid"
	"github.com/chainguard-dev/hivessh/internal/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultReadyTimeout      = 8 * time.Second
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultKeepaliveTimeout  = 20 * time.Second
)

var (
	ErrKeyFileMissing = fmt.Errorf("private key file does not exist")
	ErrKeyFileRead    = fmt.Errorf("failed to read private key file")
	ErrSettingsFile   = fmt.Errorf("failed to load settings file")
)

// Options is the caller facing, partially filled description of a connection.
// Every zero value is replaced by its default in Load.
type Options struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port,omitempty"`
	User string `yaml:"user,omitempty"`

	Password       string `yaml:"password,omitempty"`
	PrivateKey     string `yaml:"privateKey,omitempty"`
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`
	Passphrase     string `yaml:"passphrase,omitempty"`

	// Hops are the jump hosts traversed, in order, before reaching Host.
	Hops []Options `yaml:"hops,omitempty"`

	KnownHostsPath string `yaml:"knownHostsPath,omitempty"`
	// HostKeys are accepted host keys in authorized_keys format.
	HostKeys []string `yaml:"hostKeys,omitempty"`

	ReadyTimeout time.Duration `yaml:"readyTimeout,omitempty"`
	// KeepaliveInterval of zero means the default, a negative value disables
	// keepalives.
	KeepaliveInterval time.Duration `yaml:"keepaliveInterval,omitempty"`
	KeepaliveTimeout  time.Duration `yaml:"keepaliveTimeout,omitempty"`
}

// Settings is the resolved form of Options. Hops is flat: nested hops of a hop
// are expanded in front of it, and no element of Hops has hops of its own.
type Settings struct {
	ID   hostid.ID
	Host string
	Port int
	User string

	Password   string
	PrivateKey []byte
	Passphrase []byte

	Hops []*Settings

	KnownHostsPath string
	HostKeys       []string

	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

// Load resolves 'opts' into Settings.
func Load(ctx context.Context, opts Options) (*Settings, error) {
	s, err := load(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, hop := range opts.Hops {
		resolved, err := Load(ctx, hop)
		if err != nil {
			return nil, fmt.Errorf("hop %s: %w", hop.Host, err)
		}
		s.Hops = append(s.Hops, resolved.Hops...)
		resolved.Hops = nil
		s.Hops = append(s.Hops, resolved)
	}
	log.Debug(ctx, "resolved connection settings", "host", s.ID, "hops", len(s.Hops))
	return s, nil
}

func load(ctx context.Context, opts Options) (*Settings, error) {
	id, err := hostid.Parse(opts.Host, opts.User, opts.Port)
	if err != nil {
		return nil, err
	}
	s := &Settings{
		ID:   id,
		Host: id.Host(),
		Port: id.Port(),
		User: id.User(),

		Password:   opts.Password,
		PrivateKey: []byte(opts.PrivateKey),
		Passphrase: []byte(opts.Passphrase),

		KnownHostsPath: opts.KnownHostsPath,
		HostKeys:       opts.HostKeys,

		ReadyTimeout:      opts.ReadyTimeout,
		KeepaliveInterval: opts.KeepaliveInterval,
		KeepaliveTimeout:  opts.KeepaliveTimeout,
	}
	if s.ReadyTimeout <= 0 {
		s.ReadyTimeout = DefaultReadyTimeout
	}
	if s.KeepaliveInterval == 0 {
		s.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if s.KeepaliveTimeout <= 0 {
		s.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if len(s.PrivateKey) == 0 && opts.PrivateKeyPath != "" {
		key, err := readKeyFile(opts.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		log.Debug(ctx, "read private key from file", "host", id, "path", opts.PrivateKeyPath)
		s.PrivateKey = key
	}
	return s, nil
}

func readKeyFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrKeyFileMissing, path)
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFileRead, err)
	}
	return key, nil
}

// ReadFile reads Options from the YAML document at 'path'.
func ReadFile(path string) (Options, error) {
	var opts Options
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("%w: %w", ErrSettingsFile, err)
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("%w: %s: %w", ErrSettingsFile, path, err)
	}
	return opts, nil
}

// LoadFile reads Options from the YAML document at 'path' and resolves them.
func LoadFile(ctx context.Context, path string) (*Settings, error) {
	opts, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(ctx, opts)
}

// Address returns the 'host:port' dial address.
func (s *Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
