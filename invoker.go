package aio

import (
	"context"
	"errors"
	"reflect"

	"github.com/sourcegraph/conc/panics"
)

// Invoke delivers a result to handler, on behalf of ch.
//
// If ctx carries a [*Worker] of ch's group, with fewer than the group's
// [Group.MaxHandlerInvokeCount] handlers already invoked on its stack, the
// handler is called directly. Otherwise it is submitted to the group's pool
// (see [InvokeIndirectly]). If the pool rejects it, the handler is still
// called directly if ctx carries a worker of the group, otherwise
// [ErrShutdownChannelGroup] is returned.
func Invoke[V any](ctx context.Context, ch Groupable, handler CompletionHandler[V], attachment any, result V, err error) error {
	g := ch.Group()
	w := WorkerFrom(ctx)

	if w.mayInvokeDirect(g) {
		invokeDirect(ctx, w, handler, attachment, result, err)
		return nil
	}

	if InvokeIndirectly(ch, handler, attachment, result, err) != nil {
		// group shutdown, fallback to invoking directly if the current
		// goroutine has the right identity
		if w.identityOkay(g) {
			invokeDirect(ctx, w, handler, attachment, result, err)
			return nil
		}
		return ErrShutdownChannelGroup
	}

	return nil
}

// InvokeIndirectly delivers a result to handler via ch's group's pool. The
// pool task starts its worker's invoke count at 1.
func InvokeIndirectly[V any](ch Groupable, handler CompletionHandler[V], attachment any, result V, err error) error {
	if ch.Group().ExecuteOnPooledThread(func(ctx context.Context) {
		WorkerFrom(ctx).setInvokeCount(1)
		invokeUnchecked(ctx, handler, attachment, result, err)
	}) != nil {
		return ErrShutdownChannelGroup
	}
	return nil
}

// InvokeWithExecutor delivers a result to handler via executor.
func InvokeWithExecutor[V any](executor Executor, handler CompletionHandler[V], attachment any, result V, err error) error {
	if executor.Execute(func(ctx context.Context) {
		invokeUnchecked(ctx, handler, attachment, result, err)
	}) != nil {
		return ErrShutdownChannelGroup
	}
	return nil
}

// InvokeFuture delivers the result of the completed future f to its
// handler, if any, following the policy of [Invoke]. Futures of channels
// that are not bound to a group are delivered via their executor.
//
// The handler is delivered at most once, across every Invoke function.
func InvokeFuture[V any](ctx context.Context, f *Future[V]) error {
	if !f.IsDone() {
		return errors.New("aio: future not done")
	}
	if !f.claim() {
		return nil
	}
	result, err := f.outcome()
	switch ch := f.channel.(type) {
	case Groupable:
		return Invoke(ctx, ch, f.handler, f.attachment, result, err)
	case executorChannel:
		return InvokeWithExecutor(ch.executor(), f.handler, f.attachment, result, err)
	default:
		if w := WorkerFrom(ctx); w.mayInvokeDirect(w.Group()) {
			invokeDirect(ctx, w, f.handler, f.attachment, result, err)
			return nil
		}
		return InvokeWithExecutor(DefaultGroup().Executor(), f.handler, f.attachment, result, err)
	}
}

// invokeFutureIndirectly is InvokeFuture, but always via the pool
func invokeFutureIndirectly[V any](f *Future[V]) error {
	if !f.claim() {
		return nil
	}
	result, err := f.outcome()
	switch ch := f.channel.(type) {
	case Groupable:
		return InvokeIndirectly(ch, f.handler, f.attachment, result, err)
	case executorChannel:
		return InvokeWithExecutor(ch.executor(), f.handler, f.attachment, result, err)
	default:
		return InvokeWithExecutor(DefaultGroup().Executor(), f.handler, f.attachment, result, err)
	}
}

// invokeOnThreadInThreadPool delivers f's handler on a goroutine of the
// channel's group: the current one if it is a worker of the group,
// regardless of its invoke count, otherwise via the pool
func invokeOnThreadInThreadPool[V any](ctx context.Context, f *Future[V]) error {
	ch, ok := f.channel.(Groupable)
	if !ok {
		return invokeFutureIndirectly(f)
	}
	if w := WorkerFrom(ctx); w.identityOkay(ch.Group()) {
		if !f.claim() {
			return nil
		}
		result, err := f.outcome()
		invokeDirect(ctx, w, f.handler, f.attachment, result, err)
		return nil
	}
	return invokeFutureIndirectly(f)
}

// complete sets the result of f, and delivers it per InvokeFuture. If f
// was cancelled before the producer completed, the cancellation is
// delivered now, via the pool.
func complete[V any](ctx context.Context, f *Future[V], result V, err error) error {
	if f.setResultOrFailure(result, err) {
		return InvokeFuture(ctx, f)
	}
	if f.IsCancelled() {
		return invokeFutureIndirectly(f)
	}
	return nil
}

// completeUnchecked is complete for producers that already run on the
// executor the handler must be delivered on
func completeUnchecked[V any](ctx context.Context, f *Future[V], result V, err error) error {
	if f.setResultOrFailure(result, err) {
		if f.claim() {
			result, err = f.outcome()
			invokeUnchecked(ctx, f.handler, f.attachment, result, err)
		}
		return nil
	}
	if f.IsCancelled() {
		return invokeFutureIndirectly(f)
	}
	return nil
}

// claim reserves the delivery of f's handler, returning false if there is
// no handler, or it was already claimed
func (f *Future[V]) claim() bool {
	return f.handler != nil && f.dispatched.CompareAndSwap(false, true)
}

func invokeDirect[V any](ctx context.Context, w *Worker, handler CompletionHandler[V], attachment any, result V, err error) {
	w.setInvokeCount(w.InvokeCount() + 1)
	invokeUnchecked(ctx, handler, attachment, result, err)
}

// invokeUnchecked calls the handler, recovering any panic. Panics are
// reported via the group of the current worker, or propagated if there is
// none.
func invokeUnchecked[V any](ctx context.Context, handler CompletionHandler[V], attachment any, result V, err error) {
	var pc panics.Catcher
	pc.Try(func() {
		switch {
		case err == nil:
			handler.Completed(ctx, result, attachment)
		case errors.Is(err, ErrCancelled):
			if h, ok := handler.(CancellationHandler); ok {
				h.Cancelled(ctx, attachment)
			} else {
				handler.Failed(ctx, err, attachment)
			}
		default:
			handler.Failed(ctx, err, attachment)
		}
	})
	if r := pc.Recovered(); r != nil {
		g := WorkerFrom(ctx).Group()
		if g == nil {
			pc.Repanic()
		}
		g.reportPanic(reflect.TypeOf(handler), r)
	}
}
