package aio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-aio/iostatus"
	"github.com/joeycumines/logiface"
	"github.com/sourcegraph/conc/panics"
)

// closer tracks whether a channel is open. Initiators hold the read side
// between [closer.begin] and [closer.end], so that a close may wait for them.
type closer struct {
	mu   sync.RWMutex
	open atomic.Bool
}

func (x *closer) begin() error {
	x.mu.RLock()
	if !x.open.Load() {
		x.mu.RUnlock()
		return ErrClosedChannel
	}
	return nil
}

func (x *closer) end() { x.mu.RUnlock() }

func (x *closer) isOpen() bool { return x.open.Load() }

// markClosed waits for initiators, returning false if already closed.
func (x *closer) markClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.open.Swap(false)
}

// deliver returns a future that already holds the result of an operation
// that finished during initiation, delivering it to handler, if any.
func deliver[V any](ctx context.Context, ch Channel, handler CompletionHandler[V], attachment any, op Op, v V, err error) (*Future[V], error) {
	f := NewFuture(ch, handler, attachment, op)
	if err != nil {
		f.SetFailure(err)
	} else {
		f.SetResult(v)
	}
	if err := InvokeFuture(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// scheduleTimeout fails f with ErrInterruptedByTimeout after d. The kill
// func runs with f's lock held, before the failure is visible, and interrupt
// after.
func scheduleTimeout[V any](g *Group, logger *logiface.Logger[logiface.Event], f *Future[V], d time.Duration, kill, interrupt func()) {
	if d <= 0 {
		return
	}
	f.SetTimeoutTask(g.Schedule(d, func() {
		if !f.failWith(opError(f.op, ErrInterruptedByTimeout), kill) {
			return
		}
		logger.Debug().
			Str("op", f.op.String()).
			Dur("timeout", d).
			Log("operation timed out")
		if interrupt != nil {
			interrupt()
		}
		if err := invokeOnThreadInThreadPool(context.Background(), f); err != nil {
			logger.Warning().
				Str("op", f.op.String()).
				Err(err).
				Log("timeout not delivered")
		}
	}))
}

// retryInterruptible calls fn until it is not interrupted, or alive reports
// false. The interrupt is cleared before alive is consulted, so an interrupt
// that races with the check is never lost: the interrupter must update what
// alive observes before interrupting.
func retryInterruptible(fn func() (int, error), reset func(), alive func() bool) (int, error) {
	reset()
	if !alive() {
		return iostatus.Interrupted, nil
	}
	return iostatus.Retry(fn, func() bool {
		reset()
		return alive()
	})
}

// transferResult converts the status of a completed transfer to its result,
// as delivered to callers.
func transferResult(op Op, open bool, n int, err error) (int, error) {
	if err != nil {
		return 0, opError(op, asyncClose(err))
	}
	if n == iostatus.Interrupted {
		if !open {
			return 0, opError(op, ErrAsynchronousClose)
		}
		// the future was already completed, by a timeout or cancellation
		return 0, opError(op, ErrKilled)
	}
	if !iostatus.Check(n) {
		// e.g. Unsupported, which callers may not observe as a count
		return 0, opError(op, iostatus.Err(n))
	}
	return iostatus.Normalize(n), nil
}

// produce runs fn, the producer of f's result. If fn panics, f fails with a
// [PanicError], so that waiters and handlers are never left hanging. Cleanup
// done by fn must be deferred.
func produce[V any](ctx context.Context, logger *logiface.Logger[logiface.Event], f *Future[V], fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	r := pc.Recovered()
	if r == nil {
		return
	}
	err := PanicError{Value: r.Value, Stack: r.Stack}
	logger.Err().
		Str("op", f.op.String()).
		Err(err).
		Log("operation panicked")
	var zero V
	if err := complete(ctx, f, zero, opError(f.op, err)); err != nil {
		logger.Warning().
			Str("op", f.op.String()).
			Err(err).
			Log("panic not delivered")
	}
}
