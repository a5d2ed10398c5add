package aio

import (
	"context"
	"time"
)

// CompletionHandler consumes the result of an asynchronous operation.
//
// Exactly one of the methods is called, exactly once, per operation. The ctx
// identifies the goroutine the handler runs on, and must be passed to any
// operation the handler initiates.
type CompletionHandler[V any] interface {
	Completed(ctx context.Context, result V, attachment any)
	Failed(ctx context.Context, err error, attachment any)
}

// CancellationHandler may be implemented by a [CompletionHandler] to be told
// about cancellation via a dedicated method, instead of Failed with
// [ErrCancelled].
type CancellationHandler interface {
	Cancelled(ctx context.Context, attachment any)
}

// HandlerFuncs adapts functions to a [CompletionHandler]. Nil functions are
// ignored.
type HandlerFuncs[V any] struct {
	OnCompleted func(ctx context.Context, result V, attachment any)
	OnFailed    func(ctx context.Context, err error, attachment any)
}

var _ CompletionHandler[int] = HandlerFuncs[int]{}

func (x HandlerFuncs[V]) Completed(ctx context.Context, result V, attachment any) {
	if x.OnCompleted != nil {
		x.OnCompleted(ctx, result, attachment)
	}
}

func (x HandlerFuncs[V]) Failed(ctx context.Context, err error, attachment any) {
	if x.OnFailed != nil {
		x.OnFailed(ctx, err, attachment)
	}
}

// Task is a unit of work run by a [Group] or an [Executor]. The ctx carries
// the [*Worker] of the goroutine it runs on, if any.
type Task func(ctx context.Context)

// Executor runs tasks, typically on a pool of goroutines.
type Executor interface {
	Execute(task Task) error
}

// ExecutorFunc adapts a function to an [Executor].
type ExecutorFunc func(task Task) error

func (f ExecutorFunc) Execute(task Task) error { return f(task) }

// TimeoutTask is a scheduled action that may be stopped, e.g. a [*time.Timer].
type TimeoutTask interface {
	// Stop prevents the task from running, returning false if it already ran
	// or was stopped.
	Stop() bool
}

var _ TimeoutTask = (*time.Timer)(nil)

// Channel is the common interface of every asynchronous channel.
type Channel interface {
	IsOpen() bool
	Close() error
}

// Groupable is implemented by channels bound to a [Group].
type Groupable interface {
	Group() *Group
}

// Cancellable is implemented by channels that need to react to the
// cancellation of one of their futures, before it completes. OnCancel is
// called with the future's lock held, and must not block on it.
type Cancellable interface {
	OnCancel(op Op)
}

// executorChannel is implemented by channels that are not bound to a group,
// but deliver their handlers via an executor.
type executorChannel interface {
	executor() Executor
}
