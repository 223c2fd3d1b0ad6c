package mock

import (
	"context"
	"sync"
)

// Waiter is a 'sync.WaitGroup' whose wait accepts a 'context.Context' and
// supports deadlines.
type Waiter struct {
	wg sync.WaitGroup
}

func (self *Waiter) Go(fn func()) {
	self.wg.Go(fn)
}

func (self *Waiter) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		self.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-done:
		return nil
	}
}
