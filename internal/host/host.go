// Package host is a live SSH session to one (possibly chained) host: command
// execution, tunnels, file access and some host facts, all failing fast once
// the connection has faulted.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/hivessh/internal/channel"
	"github.com/chainguard-dev/hivessh/internal/log"
	"github.com/chainguard-dev/hivessh/internal/o11y"
	"github.com/chainguard-dev/hivessh/internal/settings"
	"github.com/chainguard-dev/hivessh/internal/ssh"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConnectionFault = fmt.Errorf("connection fault")
	ErrNotConnected    = fmt.Errorf("host is not connected")
)

const keepaliveRequest = "keepalive@openssh.com"

// Host is a connected host. All methods are safe for concurrent use.
type Host struct {
	Settings *settings.Settings

	chain     *ssh.Chain
	defaults  channel.Options
	detectors []Detector
	chainOpts []ssh.ChainOption

	transcriptDir   string
	logger          *clog.Logger
	closeTranscript func()
	closeOnce       sync.Once

	// ctx is cancelled with the fault reason, which in-flight channels and
	// tunnels observe.
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	live   bool
	reason error
	files  *Files

	// filesMu serializes starting the SFTP subsystem, outside of mu.
	filesMu sync.Mutex

	release    cached[*OSRelease]
	platform   cached[Platform]
	pm         cached[PackageManager]
	releaseDir string
}

type Option func(*Host) error

// WithDefaults sets the lowest layer of command settings for every command
// run on the host.
func WithDefaults(opts channel.Options) Option {
	return func(h *Host) error {
		h.defaults = opts
		return nil
	}
}

// WithDetectors replaces the package manager detection strategies, tried in
// order.
func WithDetectors(detectors ...Detector) Option {
	return func(h *Host) error {
		if len(detectors) == 0 {
			return fmt.Errorf("no package manager detectors given")
		}
		h.detectors = detectors
		return nil
	}
}

// WithChainOptions passes options to the connection chain builder.
func WithChainOptions(opts ...ssh.ChainOption) Option {
	return func(h *Host) error {
		h.chainOpts = append(h.chainOpts, opts...)
		return nil
	}
}

// WithTranscript writes the command lines run on the host and their output
// to a file in 'dir', named after the host identity.
func WithTranscript(dir string) Option {
	return func(h *Host) error {
		h.transcriptDir = dir
		return nil
	}
}

// Connect resolves 'opts', connects to the host through its hops and starts
// watching the connection. Anything that ends the connection afterwards is a
// fault, see Err.
func Connect(ctx context.Context, opts settings.Options, hostOpts ...Option) (*Host, error) {
	s, err := settings.Load(ctx, opts)
	if err != nil {
		return nil, err
	}

	h := &Host{
		Settings:   s,
		detectors:  DefaultDetectors(),
		releaseDir: "/etc",
	}
	for _, opt := range hostOpts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}

	ctx = log.With(ctx, "host", s.ID)
	ctx, h.closeTranscript = log.WithTranscript(ctx, h.transcriptDir, s.ID.String())
	if h.transcriptDir != "" {
		h.logger = clog.FromContext(ctx)
	}
	ctx, span := o11y.Tracer().Start(ctx, "host.Connect", trace.WithAttributes(
		attribute.String(o11y.AttrHost, s.ID.String()),
	))
	defer span.End()

	chain, err := ssh.Dial(ctx, s, h.chainOpts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.closeTranscript()
		return nil, err
	}
	h.chain = chain
	h.ctx, h.cancel = context.WithCancelCause(context.WithoutCancel(ctx))
	h.live = true

	h.wg.Go(h.watch)
	if s.KeepaliveInterval > 0 {
		h.wg.Go(func() { h.keepalive(s.KeepaliveInterval, s.KeepaliveTimeout) })
	}
	return h, nil
}

// watch faults the host once the connection to the target ends, for whatever
// reason.
func (h *Host) watch() {
	err := h.chain.Client.Wait()
	if err == nil {
		h.fault(fmt.Errorf("%w: connection closed", ErrConnectionFault))
		return
	}
	h.fault(fmt.Errorf("%w: connection closed: %w", ErrConnectionFault, err))
}

// keepalive pings every 'interval' and faults the host when a ping fails.
func (h *Host) keepalive(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := h.ping(timeout); err != nil {
			h.fault(fmt.Errorf("%w: keepalive: %w", ErrConnectionFault, err))
			return
		}
	}
}

// ping sends a keepalive request and waits up to 'timeout' for the reply.
// Any reply counts.
func (h *Host) ping(timeout time.Duration) error {
	replied := make(chan error, 1)
	go func() {
		_, _, err := h.chain.Client.SendRequest(keepaliveRequest, true, nil)
		replied <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.ctx.Done():
		return context.Cause(h.ctx)
	case err := <-replied:
		return err
	case <-timer.C:
		return fmt.Errorf("no reply within %s", timeout)
	}
}

// probe checks a connection suspected to be gone, faulting the host when it
// is.
func (h *Host) probe() error {
	if err := h.Err(); err != nil {
		return err
	}
	if err := h.ping(h.Settings.KeepaliveTimeout); err != nil {
		h.fault(fmt.Errorf("%w: connection lost: %w", ErrConnectionFault, err))
		return h.Err()
	}
	return nil
}

// fault records 'reason' and tears the connection down. Only the first
// reason is kept.
func (h *Host) fault(reason error) {
	h.mu.Lock()
	if h.reason != nil {
		h.mu.Unlock()
		return
	}
	h.reason = reason
	h.live = false
	files := h.files
	h.files = nil
	h.mu.Unlock()

	log.Warn(h.ctx, "host connection fault", "error", reason)
	h.cancel(reason)
	if files != nil {
		files.close()
	}
	h.chain.Close()
	h.closeOnce.Do(h.closeTranscript)
}

// Err returns nil while the host is connected, otherwise the reason it is
// not.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errLocked()
}

func (h *Host) errLocked() error {
	if h.live {
		return nil
	}
	if h.reason != nil {
		return h.reason
	}
	return ErrNotConnected
}

// Disconnect closes the connection. Calls made afterwards fail with
// ErrNotConnected.
func (h *Host) Disconnect() error {
	h.mu.Lock()
	if h.reason != nil {
		h.mu.Unlock()
		return nil
	}
	h.reason = ErrNotConnected
	h.live = false
	files := h.files
	h.files = nil
	h.mu.Unlock()

	h.cancel(ErrNotConnected)
	if files != nil {
		files.close()
	}
	err := h.chain.Close()
	h.wg.Wait()
	log.Info(h.ctx, "disconnected")
	h.closeOnce.Do(h.closeTranscript)
	return err
}

// Done is closed once the host is no longer connected.
func (h *Host) Done() <-chan struct{} {
	return h.ctx.Done()
}

// cached holds a value computed on first use.
type cached[T any] struct {
	mu    sync.Mutex
	value T
	ok    bool
}

// get returns the cached value, computing it with 'fetch' when there is none
// or 'useCache' is false. Errors are not cached.
func (c *cached[T]) get(useCache bool, fetch func() (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if useCache && c.ok {
		return c.value, nil
	}
	v, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}
	c.value, c.ok = v, true
	return v, nil
}

// bind returns a context that is cancelled with the fault reason when the
// host faults, and with the cause of 'ctx' when that is done. The returned
// func must be called once the context is no longer needed.
//
// With a transcript, the context logs through the host's logger.
func (h *Host) bind(ctx context.Context) (context.Context, func()) {
	if h.logger != nil {
		ctx = clog.WithLogger(ctx, h.logger)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(h.ctx, func() {
		cancel(context.Cause(h.ctx))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
