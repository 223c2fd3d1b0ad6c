package channel

import (
	"context"
	"maps"
	"time"
)

// DefaultPwd is the working directory of a command when no layer sets one.
const DefaultPwd = "/"

// Options is one layer of command settings. Zero values inherit from the
// layer below: an empty Pwd, a nil Sudo, a zero Timeout. A negative Timeout
// explicitly disables the timeout. Env keys override per key.
type Options struct {
	Pwd     string            `yaml:"pwd,omitempty"`
	Sudo    *bool             `yaml:"sudo,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// Settings are the effective settings of one command, see Merge.
type Settings struct {
	Pwd     string
	Sudo    bool
	Timeout time.Duration
	Env     map[string]string
}

// Merge folds 'layers' in increasing precedence over the defaults. It never
// retains or mutates the maps of its inputs.
func Merge(layers ...Options) Settings {
	s := Settings{
		Pwd: DefaultPwd,
		Env: map[string]string{},
	}
	for _, layer := range layers {
		if layer.Pwd != "" {
			s.Pwd = layer.Pwd
		}
		if layer.Sudo != nil {
			s.Sudo = *layer.Sudo
		}
		if layer.Timeout != 0 {
			s.Timeout = layer.Timeout
		}
		maps.Copy(s.Env, layer.Env)
	}
	return s
}

// Options converts 's' back into a layer that reproduces it exactly.
func (s Settings) Options() Options {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = -1
	}
	return Options{
		Pwd:     s.Pwd,
		Sudo:    Bool(s.Sudo),
		Timeout: timeout,
		Env:     maps.Clone(s.Env),
	}
}

// Bool returns a pointer to 'v', for the tri-state option fields.
func Bool(v bool) *bool {
	return &v
}

// Filter decides whether a chunk of output is kept. 'ctx' is cancelled once
// the outcome settles.
type Filter func(ctx context.Context, data string, isErr bool) (bool, error)

// Mapper rewrites a chunk of output. Returning false drops the chunk.
type Mapper func(data string, isErr bool) (string, bool)

type FilterOptions struct {
	// Concurrency bounds how many filter calls run at once. Values below one
	// mean one. Results are always applied in arrival order.
	Concurrency int
}

// OutcomeOptions control how output is classified into a settled Exit. The
// '*Out' variants apply to both streams and take precedence over the
// per-stream fields.
type OutcomeOptions struct {
	FilterOut     Filter
	FilterStdOut  Filter
	FilterErrOut  Filter
	FilterOptions FilterOptions

	MapOut    Mapper
	MapStdOut Mapper
	MapErrOut Mapper

	ThrowOnOut    *bool
	ThrowOnStdOut *bool
	// ThrowOnErrOut defaults to true.
	ThrowOnErrOut *bool

	// ExpectedExitCode defaults to [0].
	ExpectedExitCode []int
}

// ExecOptions is the full set of per-call options of an execute call.
type ExecOptions struct {
	Options
	OutcomeOptions
}

type outcomeSettings struct {
	filterStd, filterErr Filter
	concurrency          int
	mapStd, mapErr       Mapper
	throwStd, throwErr   bool
	expected             []int
}

func (o *OutcomeOptions) resolve() outcomeSettings {
	s := outcomeSettings{
		concurrency: 1,
		throwErr:    true,
		expected:    []int{0},
	}
	if o == nil {
		return s
	}
	s.filterStd, s.filterErr = o.FilterStdOut, o.FilterErrOut
	if o.FilterOut != nil {
		s.filterStd, s.filterErr = o.FilterOut, o.FilterOut
	}
	if o.FilterOptions.Concurrency > 1 {
		s.concurrency = o.FilterOptions.Concurrency
	}
	s.mapStd, s.mapErr = o.MapStdOut, o.MapErrOut
	if o.MapOut != nil {
		s.mapStd, s.mapErr = o.MapOut, o.MapOut
	}
	if o.ThrowOnStdOut != nil {
		s.throwStd = *o.ThrowOnStdOut
	}
	if o.ThrowOnErrOut != nil {
		s.throwErr = *o.ThrowOnErrOut
	}
	if o.ThrowOnOut != nil {
		s.throwStd, s.throwErr = *o.ThrowOnOut, *o.ThrowOnOut
	}
	if len(o.ExpectedExitCode) > 0 {
		s.expected = o.ExpectedExitCode
	}
	return s
}

func (s outcomeSettings) filter(isErr bool) Filter {
	if isErr {
		return s.filterErr
	}
	return s.filterStd
}

func (s outcomeSettings) mapper(isErr bool) Mapper {
	if isErr {
		return s.mapErr
	}
	return s.mapStd
}
