package shell

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/chainguard-dev/hivessh/internal/channel"
)

// Context is a shell-like state applied to every command it runs. The
// working directory lives in the environment under PWD.
//
// Per-call options go over the context state, which goes over the host
// defaults. Calls never change the context.
type Context struct {
	exec Executor

	mu      sync.Mutex
	env     map[string]string
	sudo    bool
	timeout time.Duration
}

// NewContext returns a context in 'pwd' ("/" when empty). A zero 'timeout'
// inherits the host default.
func NewContext(exec Executor, pwd string, sudo bool, timeout time.Duration) *Context {
	return &Context{
		exec:    exec,
		env:     map[string]string{PwdKey: resolve(channel.DefaultPwd, pwd)},
		sudo:    sudo,
		timeout: timeout,
	}
}

// Clone returns an independent copy of the context.
func (c *Context) Clone() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Context{
		exec:    c.exec,
		env:     maps.Clone(c.env),
		sudo:    c.sudo,
		timeout: c.timeout,
	}
}

func (c *Context) Pwd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.env[PwdKey]
}

// Env returns a copy of the environment, PWD included.
func (c *Context) Env() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.env)
}

// Cd changes the working directory. Relative paths resolve against the
// current one.
func (c *Context) Cd(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.env[PwdKey] = resolve(c.env[PwdKey], p)
}

// SetEnv sets 'key'. Setting PWD, in any case, is a Cd.
func (c *Context) SetEnv(key, value string) {
	if isPwd(key) {
		c.Cd(value)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.env[key] = value
}

// UnsetEnv removes 'key'. PWD, in any case, can not be removed.
func (c *Context) UnsetEnv(key string) error {
	if err := checkUnset(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.env, key)
	return nil
}

func (c *Context) SetSudo(sudo bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sudo = sudo
}

func (c *Context) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Options returns the context state as a settings layer.
func (c *Context) Options() channel.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	env := maps.Clone(c.env)
	pwd := env[PwdKey]
	delete(env, PwdKey)
	return channel.Options{
		Pwd:     pwd,
		Sudo:    channel.Bool(c.sudo),
		Timeout: c.timeout,
		Env:     env,
	}
}

// Execute runs 'cmd' in the context. A relative per-call Pwd resolves
// against the context's working directory.
func (c *Context) Execute(ctx context.Context, cmd string, opts channel.ExecOptions) (*channel.Exit, error) {
	opts.Options = overlay(c.Options(), opts.Options)
	return c.exec.Execute(ctx, cmd, opts)
}

func (c *Context) OpenChannel(ctx context.Context, cmd string, opts channel.Options) (*channel.Channel, error) {
	return c.exec.OpenChannel(ctx, cmd, overlay(c.Options(), opts))
}
