// Package dispatcher runs dispatched jobs and partitions on this node.
package dispatcher

import (
	"context"
	"sync"

	"batch-dispatch/internal/domain"
)

// Future is the completion handle of a job or partition run.
type Future struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

var _ domain.Handle = (*Future)(nil)

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

// completedFuture returns a future that is already done with err.
func completedFuture(err error) *Future {
	f := newFuture(nil)
	f.complete(err)
	return f
}

// complete records the result. Only the first call has an effect.
func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the run finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the run has a result.
func (f *Future) Done() <-chan struct{} { return f.done }

// Cancel stops the run. Waiters get ErrDispatchCancelled unless the run
// already finished.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
	f.complete(domain.ErrDispatchCancelled)
}
