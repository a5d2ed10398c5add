package aio

import (
	"context"
)

// Worker identifies a goroutine of a [Group], and counts the handlers
// currently invoked directly on its stack. It is carried by the context
// passed to tasks and handlers, and must not be shared with other goroutines.
type Worker struct {
	group       *Group
	invokeCount int
}

type workerKey struct{}

// WithWorker returns a copy of ctx carrying w.
func WithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

// WorkerFrom returns the worker carried by ctx, or nil.
func WorkerFrom(ctx context.Context) *Worker {
	if ctx == nil {
		return nil
	}
	w, _ := ctx.Value(workerKey{}).(*Worker)
	return w
}

// Group returns the group the worker belongs to.
func (w *Worker) Group() *Group {
	if w == nil {
		return nil
	}
	return w.group
}

// InvokeCount returns the number of handlers invoked directly on the
// worker's stack since it last started a task.
func (w *Worker) InvokeCount() int {
	if w == nil {
		return 0
	}
	return w.invokeCount
}

func (w *Worker) setInvokeCount(n int) {
	if w != nil {
		w.invokeCount = n
	}
}

// identityOkay reports whether w belongs to g
func (w *Worker) identityOkay(g *Group) bool {
	return w != nil && g != nil && w.group == g
}

// mayInvokeDirect reports whether a handler of a channel in g may be invoked
// on w's stack
func (w *Worker) mayInvokeDirect(g *Group) bool {
	return w.identityOkay(g) && w.invokeCount < g.maxInvoke
}
