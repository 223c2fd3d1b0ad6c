package channel

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"

	"github.com/chainguard-dev/hivessh/internal/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Future is the settle-once result of a Channel.
type Future struct {
	once sync.Once
	done chan struct{}
	exit *Exit
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(exit *Exit, err error) {
	f.once.Do(func() {
		f.exit, f.err = exit, err
		close(f.done)
	})
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or 'ctx' is done. A rejection by
// classification returns the Exit along with an '*OutcomeError'.
func (f *Future) Wait(ctx context.Context) (*Exit, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-f.done:
		return f.exit, f.err
	}
}

// Outcome starts collecting the channel's output and returns its future. Only
// the first call configures collection; later calls return the same future.
func (c *Channel) Outcome(ctx context.Context, opts *OutcomeOptions) *Future {
	c.outcomeOnce.Do(func() {
		c.future = newFuture()
		go c.collect(ctx, opts.resolve(), c.future)
	})
	return c.future
}

func (c *Channel) collect(ctx context.Context, s outcomeSettings, f *Future) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.failed:
			f.settle(nil, c.failErr)
			cancel()
		case <-f.done:
		}
	}()

	chunks, filterErr := c.pump(ctx, s)
	<-c.exited

	c.mu.Lock()
	timedOut, failErr := c.timedOut, c.failErr
	exit := newExit(c.Cmd, chunks, c.code, c.signal, c.desc, c.lang)
	c.mu.Unlock()
	log.Transcribe(ctx, exit.Out, "command settled", "cmd", c.Cmd, "code", exit.Code)

	switch {
	case timedOut:
		f.settle(exit, &OutcomeError{Err: ErrCommandTimeout, Exit: exit})
	case failErr != nil:
		f.settle(nil, failErr)
	case filterErr != nil:
		f.settle(nil, filterErr)
	case s.throwErr && exit.AnyErr, s.throwStd && exit.AnyStd:
		f.settle(exit, &OutcomeError{Err: ErrUnexpectedStreamOutput, Exit: exit})
	case !slices.Contains(s.expected, exit.Code):
		f.settle(exit, &OutcomeError{Err: ErrUnexpectedExitCode, Exit: exit})
	default:
		f.settle(exit, nil)
	}
	c.transition(Settled)
}

type pending struct {
	chunk Chunk
	keep  bool
	err   error
	done  chan struct{}
}

// pump reads both streams until they end and returns the chunks that
// survived filtering and mapping, in arrival order. The first filter error
// fails the channel and is returned.
func (c *Channel) pump(ctx context.Context, s outcomeSettings) ([]Chunk, error) {
	raw := make(chan Chunk)
	var g errgroup.Group
	g.Go(func() error { return read(c.stdout, false, raw) })
	g.Go(func() error { return read(c.stderr, true, raw) })
	go func() {
		if err := g.Wait(); err != nil {
			c.fail(err)
		}
		close(raw)
	}()

	sem := semaphore.NewWeighted(int64(s.concurrency))
	queue := make(chan *pending, s.concurrency)
	go func() {
		defer close(queue)
		for chunk := range raw {
			p := &pending{chunk: chunk, keep: true, done: make(chan struct{})}
			filter := s.filter(chunk.Err)
			switch {
			case filter == nil:
				close(p.done)
			case sem.Acquire(ctx, 1) != nil:
				p.err = context.Cause(ctx)
				close(p.done)
			default:
				go func() {
					defer close(p.done)
					defer sem.Release(1)
					p.keep, p.err = filter(ctx, p.chunk.Text, p.chunk.Err)
				}()
			}
			queue <- p
		}
	}()

	var chunks []Chunk
	var filterErr error
	for p := range queue {
		<-p.done
		if filterErr != nil {
			continue
		}
		if p.err != nil {
			filterErr = p.err
			c.fail(p.err)
			continue
		}
		if !p.keep {
			continue
		}
		text := p.chunk.Text
		if m := s.mapper(p.chunk.Err); m != nil {
			var ok bool
			if text, ok = m(text, p.chunk.Err); !ok {
				continue
			}
		}
		chunks = append(chunks, Chunk{Err: p.chunk.Err, Text: text})
	}
	return chunks, filterErr
}

func read(r io.Reader, isErr bool, out chan<- Chunk) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out <- Chunk{Err: isErr, Text: string(buf[:n])}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
