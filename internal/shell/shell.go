// Package shell keeps working directory, environment and elevation across
// commands run on a host, the way an interactive shell would.
//
// Two flavors exist. A Context always carries a full snapshot and is cloned
// to branch off. A Light only records explicit overrides, and folds per-call
// options back into itself.
package shell

import (
	"context"
	"fmt"
	"maps"
	"path"
	"strings"

	"github.com/chainguard-dev/hivessh/internal/channel"
	"github.com/chainguard-dev/hivessh/internal/hostid"
)

// PwdKey is the environment variable tracking the working directory.
const PwdKey = "PWD"

// Executor runs commands; '*host.Host' is one.
type Executor interface {
	Execute(ctx context.Context, cmd string, opts channel.ExecOptions) (*channel.Exit, error)
	OpenChannel(ctx context.Context, cmd string, opts channel.Options) (*channel.Channel, error)
}

// overlay folds 'top' over 'base' with the same rules as channel.Merge, but
// keeps the result a layer: unset fields stay unset.
func overlay(base, top channel.Options) channel.Options {
	out := base
	out.Env = maps.Clone(base.Env)
	if top.Pwd != "" {
		out.Pwd = resolve(base.Pwd, top.Pwd)
	}
	if top.Sudo != nil {
		out.Sudo = channel.Bool(*top.Sudo)
	}
	if top.Timeout != 0 {
		out.Timeout = top.Timeout
	}
	if len(top.Env) > 0 {
		if out.Env == nil {
			out.Env = map[string]string{}
		}
		maps.Copy(out.Env, top.Env)
	}
	return out
}

// resolve returns 'p' as an absolute, clean path, relative to 'pwd' when it
// is not absolute already.
func resolve(pwd, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	if pwd == "" {
		pwd = channel.DefaultPwd
	}
	return path.Join(pwd, p)
}

// isPwd reports whether 'key' names the working directory, in any case.
func isPwd(key string) bool {
	return strings.EqualFold(key, PwdKey)
}

func checkUnset(key string) error {
	if isPwd(key) {
		return fmt.Errorf("%w: %s can not be unset, use Cd", hostid.ErrInvalidOperand, key)
	}
	return nil
}
