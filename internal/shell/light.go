package shell

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/hivessh/internal/channel"
)

// Light records only what was set explicitly; everything else is inherited
// from the host defaults. Per-call options are folded back into it, so a
// Pwd or Env passed to one call sticks for the next ones.
type Light struct {
	exec Executor

	mu      sync.Mutex
	pwd     string
	sudo    *bool
	timeout time.Duration
	// env is nil while empty.
	env map[string]string
}

// NewLight returns a lightweight context. An empty 'pwd' and a zero
// 'timeout' inherit.
func NewLight(exec Executor, pwd string, sudo bool, timeout time.Duration) *Light {
	return &Light{
		exec:    exec,
		pwd:     pwd,
		sudo:    channel.Bool(sudo),
		timeout: timeout,
	}
}

func (l *Light) Pwd() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pwd
}

// Env returns a copy of the overrides, nil when there are none.
func (l *Light) Env() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.env)
}

// Cd changes the working directory, relative to the current one if set.
func (l *Light) Cd(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pwd = resolve(l.pwd, p)
}

func (l *Light) SetEnv(key, value string) {
	if isPwd(key) {
		l.Cd(value)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.env == nil {
		l.env = map[string]string{}
	}
	l.env[key] = value
}

// UnsetEnv removes 'key'; removing the last one leaves no environment at all.
// PWD, in any case, can not be removed.
func (l *Light) UnsetEnv(key string) error {
	if err := checkUnset(key); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.env, key)
	if len(l.env) == 0 {
		l.env = nil
	}
	return nil
}

// ExpandPaths joins 'parts' with spaces, rewriting a leading "./" of each
// part to the working directory.
func (l *Light) ExpandPaths(parts ...string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expand(parts)
}

func (l *Light) expand(parts []string) string {
	out := make([]string, len(parts))
	pwd := strings.TrimSuffix(l.pwd, "/")
	for i, part := range parts {
		if l.pwd != "" && strings.HasPrefix(part, "./") {
			part = pwd + part[1:]
		}
		out[i] = part
	}
	return strings.Join(out, " ")
}

// apply folds 'opts' into the state and returns the effective layer. The
// layer is computed first, so the state is only touched once nothing can
// fail.
func (l *Light) apply(opts channel.Options) channel.Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	effective := overlay(channel.Options{
		Pwd:     l.pwd,
		Sudo:    l.sudo,
		Timeout: l.timeout,
		Env:     l.env,
	}, opts)

	l.pwd = effective.Pwd
	l.sudo = effective.Sudo
	l.timeout = effective.Timeout
	if len(effective.Env) > 0 {
		l.env = maps.Clone(effective.Env)
	}
	return effective
}

// Execute runs 'cmd', keeping the per-call overrides for later calls.
func (l *Light) Execute(ctx context.Context, cmd string, opts channel.ExecOptions) (*channel.Exit, error) {
	opts.Options = l.apply(opts.Options)
	return l.exec.Execute(ctx, l.ExpandPaths(cmd), opts)
}

func (l *Light) OpenChannel(ctx context.Context, cmd string, opts channel.Options) (*channel.Channel, error) {
	opts = l.apply(opts)
	return l.exec.OpenChannel(ctx, l.ExpandPaths(cmd), opts)
}
