package host

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/chainguard-dev/hivessh/internal/channel"
	"github.com/chainguard-dev/hivessh/internal/hostid"
	"github.com/chainguard-dev/hivessh/internal/o11y"
	"github.com/chainguard-dev/hivessh/internal/shell"
	"github.com/chainguard-dev/hivessh/internal/ssh"
	"github.com/kballard/go-shellquote"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Execute runs 'cmd' and waits for its outcome. The host defaults are the
// lowest settings layer, 'opts.Options' goes over them.
//
// A fault of the host while the command runs fails it with the fault reason.
func (h *Host) Execute(ctx context.Context, cmd string, opts channel.ExecOptions) (*channel.Exit, error) {
	ctx, span := o11y.Tracer().Start(ctx, "host.Execute", trace.WithAttributes(
		attribute.String(o11y.AttrHost, h.Settings.ID.String()),
		attribute.String(o11y.AttrCommand, cmd),
	))
	defer span.End()

	exit, err := h.execute(ctx, cmd, opts)
	if exit != nil {
		span.SetAttributes(attribute.Int(o11y.AttrCode, exit.Code))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return exit, err
}

func (h *Host) execute(ctx context.Context, cmd string, opts channel.ExecOptions) (*channel.Exit, error) {
	ctx, release := h.bind(ctx)
	defer release()

	c, err := h.open(ctx, cmd, opts.Options)
	if err != nil {
		return nil, err
	}
	exit, err := c.Outcome(ctx, &opts.OutcomeOptions).Wait(ctx)
	// The channels of a dropped connection close before the connection
	// reports it, looking like commands that exited without a status.
	if err != nil && (exit == nil || exit.Code == -1) {
		if herr := h.probe(); herr != nil {
			return exit, herr
		}
	}
	return exit, err
}

// OpenChannel starts 'cmd' and hands the running channel to the caller. The
// channel is failed when 'ctx' is done or the host faults.
func (h *Host) OpenChannel(ctx context.Context, cmd string, opts channel.Options) (*channel.Channel, error) {
	ctx, release := h.bind(ctx)
	c, err := h.open(ctx, cmd, opts)
	if err != nil {
		release()
		return nil, err
	}
	go func() {
		<-c.Done()
		release()
	}()
	return c, nil
}

// ShellChannel starts an interactive 'shell' reading its commands from the
// channel's stdin.
func (h *Host) ShellChannel(ctx context.Context, sh ssh.Shell, opts channel.Options) (*channel.Channel, error) {
	return h.OpenChannel(ctx, ssh.ShellCommand(sh), opts)
}

func (h *Host) open(ctx context.Context, cmd string, opts channel.Options) (*channel.Channel, error) {
	if err := h.Err(); err != nil {
		return nil, err
	}
	c, err := channel.Open(ctx, channel.ClientOpener(h.chain.Client), cmd, channel.Merge(h.defaults, opts))
	if err != nil {
		// A dead connection surfaces as a failed session first.
		if herr := h.Err(); herr != nil {
			return nil, herr
		}
		return nil, err
	}
	return c, nil
}

// Context returns a shell context starting in 'pwd', see shell.Context.
func (h *Host) Context(pwd string, sudo bool, timeout time.Duration) *shell.Context {
	return shell.NewContext(h, pwd, sudo, timeout)
}

// Light returns a lightweight shell context, see shell.Light.
func (h *Host) Light(pwd string, sudo bool, timeout time.Duration) *shell.Light {
	return shell.NewLight(h, pwd, sudo, timeout)
}

// CmdExists reports whether 'cmd' resolves on the host's PATH, or is an
// executable path.
func (h *Host) CmdExists(ctx context.Context, cmd string) (bool, error) {
	if cmd == "" || strings.ContainsFunc(cmd, unicode.IsSpace) {
		return false, fmt.Errorf("%w: command %q", hostid.ErrInvalidOperand, cmd)
	}
	exit, err := h.Execute(ctx, "command -v "+shellquote.Join(cmd), channel.ExecOptions{
		OutcomeOptions: channel.OutcomeOptions{
			ExpectedExitCode: []int{0, 1},
		},
	})
	if err != nil {
		return false, err
	}
	return exit.Code == 0, nil
}

// HomeDir returns the login directory of the connected user.
func (h *Host) HomeDir(ctx context.Context) (string, error) {
	exit, err := h.Execute(ctx, "pwd", channel.ExecOptions{})
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return strings.TrimSpace(exit.Out), nil
}
