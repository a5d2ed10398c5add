package aio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Future is the result slot of a pending operation.
//
// The result is set at most once, by whichever of [Future.SetResult],
// [Future.SetFailure] or [Future.Cancel] is first, and is stable thereafter.
// If the operation has a [CompletionHandler], the future additionally
// guarantees the handler is delivered the result exactly once.
type Future[V any] struct {
	channel     Channel
	handler     CompletionHandler[V]
	attachment  any
	result      V
	err         error
	latch       chan struct{}
	timeoutTask TimeoutTask
	stopWatch   func() bool
	mu          sync.Mutex
	haveResult  atomic.Bool
	dispatched  atomic.Bool
	op          Op
}

// closed is returned by Done for futures completed before it was called
var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// NewFuture returns a pending future for an operation of type op on ch. The
// handler and attachment may be nil.
func NewFuture[V any](ch Channel, handler CompletionHandler[V], attachment any, op Op) *Future[V] {
	return &Future[V]{
		channel:    ch,
		handler:    handler,
		attachment: attachment,
		op:         op,
	}
}

// CompletedFuture returns a future that already holds v.
func CompletedFuture[V any](v V) *Future[V] {
	f := new(Future[V])
	f.SetResult(v)
	return f
}

// FailedFuture returns a future that already holds err.
func FailedFuture[V any](err error) *Future[V] {
	f := new(Future[V])
	f.SetFailure(err)
	return f
}

// Channel returns the channel the operation was issued on, which may be nil.
func (f *Future[V]) Channel() Channel { return f.channel }

// Attachment returns the attachment passed when the operation was initiated.
func (f *Future[V]) Attachment() any { return f.attachment }

// Op returns the operation tag.
func (f *Future[V]) Op() Op { return f.op }

// Context returns the operation tag, which is the context a [Cancellable]
// channel receives on cancellation.
func (f *Future[V]) Context() Op { return f.op }

// SetResult completes the future successfully, returning false if it
// already had a result.
func (f *Future[V]) SetResult(v V) bool {
	return f.setResultOrFailure(v, nil)
}

// SetFailure completes the future with err, returning false if it already
// had a result. Errors that are not I/O errors are wrapped in an [*IOError].
func (f *Future[V]) SetFailure(err error) bool {
	if err == nil {
		err = &IOError{Message: "aio: nil failure"}
	}
	var zero V
	return f.setResultOrFailure(zero, err)
}

func (f *Future[V]) setResultOrFailure(v V, err error) bool {
	f.mu.Lock()
	if f.haveResult.Load() {
		f.mu.Unlock()
		return false
	}
	if err != nil {
		if !isIOKind(err) {
			err = &IOError{Cause: err}
		}
		var zero V
		v = zero
	}
	f.result, f.err = v, err
	stop := f.completeLocked()
	f.mu.Unlock()
	if stop != nil {
		stop()
	}
	return true
}

// failWith is SetFailure, but calls before with the lock held, prior to
// storing err, if the future has no result
func (f *Future[V]) failWith(err error, before func()) bool {
	f.mu.Lock()
	if f.haveResult.Load() {
		f.mu.Unlock()
		return false
	}
	if before != nil {
		before()
	}
	var zero V
	f.result, f.err = zero, err
	stop := f.completeLocked()
	f.mu.Unlock()
	if stop != nil {
		stop()
	}
	return true
}

// must be called with f.mu held, returns the context watcher to stop
func (f *Future[V]) completeLocked() func() bool {
	f.haveResult.Store(true)
	if f.latch != nil {
		close(f.latch)
	}
	if f.timeoutTask != nil {
		f.timeoutTask.Stop()
		f.timeoutTask = nil
	}
	stop := f.stopWatch
	f.stopWatch = nil
	return stop
}

// SetTimeoutTask associates a timeout with the future, to be stopped once
// the result is set. If the future is already done, t is stopped
// immediately.
func (f *Future[V]) SetTimeoutTask(t TimeoutTask) {
	if t == nil {
		return
	}
	f.mu.Lock()
	if f.haveResult.Load() {
		f.mu.Unlock()
		t.Stop()
		return
	}
	f.timeoutTask = t
	f.mu.Unlock()
}

// watch cancels the future once ctx is done
func (f *Future[V]) watch(ctx context.Context) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.haveResult.Load() {
		return
	}
	f.stopWatch = context.AfterFunc(ctx, func() { f.Cancel(false) })
}

// Cancel attempts to cancel the operation, returning false if it already
// completed. The channel is notified (see [Cancellable]), and, if forceClose
// is true, closed.
//
// Any handler is still delivered exactly once, reporting cancellation, but
// only after the operation has stopped using its buffers.
func (f *Future[V]) Cancel(forceClose bool) bool {
	f.mu.Lock()
	if f.haveResult.Load() {
		f.mu.Unlock()
		return false
	}
	if c, ok := f.channel.(Cancellable); ok {
		c.OnCancel(f.op)
	}
	var zero V
	f.result, f.err = zero, ErrCancelled
	stop := f.completeLocked()
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
	if forceClose && f.channel != nil {
		_ = f.channel.Close()
	}
	return true
}

// Done returns a channel that is closed once the future has a result.
func (f *Future[V]) Done() <-chan struct{} {
	if f.haveResult.Load() {
		return closed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.haveResult.Load() {
		return closed
	}
	if f.latch == nil {
		f.latch = make(chan struct{})
	}
	return f.latch
}

// IsDone reports whether the future has a result.
func (f *Future[V]) IsDone() bool { return f.haveResult.Load() }

// IsCancelled reports whether the future was cancelled.
func (f *Future[V]) IsCancelled() bool {
	if !f.haveResult.Load() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err == ErrCancelled
}

// Get blocks until the result is available.
func (f *Future[V]) Get() (V, error) {
	<-f.Done()
	return f.outcome()
}

// GetTimeout is [Future.Get], but gives up after d, returning a
// [*TimeoutError].
func (f *Future[V]) GetTimeout(d time.Duration) (V, error) {
	if !f.haveResult.Load() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-f.Done():
		case <-timer.C:
			var zero V
			return zero, &TimeoutError{Cause: ErrTimeout, Message: fmt.Sprintf("aio: no result after %s", d)}
		}
	}
	return f.outcome()
}

// Await is [Future.Get], but gives up once ctx is done, returning its error.
// The operation itself is not cancelled.
func (f *Future[V]) Await(ctx context.Context) (V, error) {
	select {
	case <-f.Done():
		return f.outcome()
	case <-ctx.Done():
		if f.haveResult.Load() {
			return f.outcome()
		}
		var zero V
		return zero, ctx.Err()
	}
}

func (f *Future[V]) outcome() (V, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func (f *Future[V]) String() string {
	switch {
	case !f.haveResult.Load():
		return fmt.Sprintf("Future[%s pending]", f.op)
	case f.IsCancelled():
		return fmt.Sprintf("Future[%s cancelled]", f.op)
	}
	v, err := f.outcome()
	if err != nil {
		return fmt.Sprintf("Future[%s failed: %v]", f.op, err)
	}
	return fmt.Sprintf("Future[%s completed: %v]", f.op, v)
}
