package aio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"
)

// Group is a pool of goroutines, shared by the channels bound to it, which
// run their blocking operations and deliver their completion handlers.
//
// Lifecycle:
//
//	running → shutdown   [Shutdown, ShutdownNow]   no new channels
//	shutdown → stopped   [last channel closed]     no new tasks
//	stopped → terminated [queued tasks drained]
//
// Identity is by pointer, see [Worker].
type Group struct {
	logger     *logiface.Logger[logiface.Event]
	panics     *catrate.Limiter
	sem        *semaphore.Weighted
	base       context.Context
	channels   map[Channel]struct{}
	terminated chan struct{}
	cond       *sync.Cond
	queue      taskQueue
	wg         conc.WaitGroup
	mu         sync.Mutex
	stopOnce   sync.Once
	threads    int
	maxInvoke  int
	fixed      bool
	shutdown   bool
	stopped    bool
}

var defaultGroup = sync.OnceValue(func() *Group {
	g, err := NewGroup()
	if err != nil {
		panic(err)
	}
	return g
})

// DefaultGroup returns the group used by channels created without one. It
// is a cached pool, and should not be shut down.
func DefaultGroup() *Group { return defaultGroup() }

// NewGroup constructs and starts a group. It defaults to a cached pool, see
// [WithCachedThreadPool].
func NewGroup(opts ...GroupOption) (*Group, error) {
	cfg, err := resolveGroupOptions(opts)
	if err != nil {
		return nil, err
	}

	g := &Group{
		logger:     cfg.logger,
		base:       context.Background(),
		channels:   make(map[Channel]struct{}),
		terminated: make(chan struct{}),
		threads:    cfg.threads,
		maxInvoke:  cfg.maxInvoke,
		fixed:      cfg.fixed,
	}
	g.cond = sync.NewCond(&g.mu)

	if len(cfg.panicRates) != 0 {
		var pc panics.Catcher
		pc.Try(func() { g.panics = catrate.NewLimiter(cfg.panicRates) })
		if r := pc.Recovered(); r != nil {
			return nil, fmt.Errorf("aio: invalid panic rate limits: %w", r.AsError())
		}
	}

	if g.fixed {
		for i := range g.threads {
			g.wg.Go(func() { g.fixedWorker(i) })
		}
	} else {
		g.sem = semaphore.NewWeighted(int64(g.threads))
	}

	g.logger.Debug().
		Bool("fixed", g.fixed).
		Int("threads", g.threads).
		Int("max_invoke", g.maxInvoke).
		Log("group started")

	return g, nil
}

// IsFixedThreadPool reports whether the group was configured with
// [WithFixedThreadPool].
func (g *Group) IsFixedThreadPool() bool { return g.fixed }

// MaxHandlerInvokeCount returns the bound on handlers invoked directly on one
// goroutine's stack.
func (g *Group) MaxHandlerInvokeCount() int { return g.maxInvoke }

// Logger returns the group's logger, which may be nil.
func (g *Group) Logger() *logiface.Logger[logiface.Event] { return g.logger }

// ExecuteOnPooledThread runs task on one of the group's goroutines, returning
// [ErrRejected] if the group no longer accepts tasks.
func (g *Group) ExecuteOnPooledThread(task Task) error {
	if task == nil {
		return errors.New("aio: nil task")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return ErrRejected
	}

	if g.fixed {
		g.queue.Push(task)
		g.cond.Signal()
		return nil
	}

	// released by the goroutine once the queue is empty, under g.mu
	if g.sem.TryAcquire(1) {
		g.wg.Go(func() { g.cachedWorker(task) })
		return nil
	}

	g.queue.Push(task)
	return nil
}

// Executor returns an [Executor] that submits to the group.
func (g *Group) Executor() Executor {
	return ExecutorFunc(g.ExecuteOnPooledThread)
}

// Schedule runs fn after d, on a timer goroutine, which is not one of the
// group's workers.
func (g *Group) Schedule(d time.Duration, fn func()) TimeoutTask {
	return time.AfterFunc(d, func() {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			g.reportPanic("timeout", r)
		}
	})
}

// IsShutdown reports whether [Group.Shutdown] or [Group.ShutdownNow] was
// called.
func (g *Group) IsShutdown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdown
}

// IsTerminated reports whether the group stopped, and every task completed.
func (g *Group) IsTerminated() bool {
	select {
	case <-g.terminated:
		return true
	default:
		return false
	}
}

// Shutdown initiates an orderly shutdown: new channels are refused, and the
// group stops once every bound channel is closed.
func (g *Group) Shutdown() {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return
	}
	g.shutdown = true
	empty := len(g.channels) == 0
	g.mu.Unlock()

	g.logger.Info().Bool("idle", empty).Log("group shutdown")

	if empty {
		g.stop()
	}
}

// ShutdownNow shuts down the group, and closes every bound channel.
func (g *Group) ShutdownNow() error {
	g.mu.Lock()
	g.shutdown = true
	channels := make([]Channel, 0, len(g.channels))
	for ch := range g.channels {
		channels = append(channels, ch)
	}
	g.mu.Unlock()

	g.logger.Info().Int("channels", len(channels)).Log("group shutdown now")

	var errs []error
	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	g.stop()

	return errors.Join(errs...)
}

// AwaitTermination blocks until the group has terminated, or ctx is done.
func (g *Group) AwaitTermination(ctx context.Context) error {
	select {
	case <-g.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach binds ch to the group
func (g *Group) attach(ch Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return ErrShutdownChannelGroup
	}
	g.channels[ch] = struct{}{}
	return nil
}

// detach unbinds ch, stopping the group if it was the last channel of a
// shut down group
func (g *Group) detach(ch Channel) {
	g.mu.Lock()
	delete(g.channels, ch)
	stop := g.shutdown && len(g.channels) == 0
	g.mu.Unlock()
	if stop {
		g.stop()
	}
}

func (g *Group) stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopped = true
		queued := g.queue.Len()
		g.cond.Broadcast()
		g.mu.Unlock()

		g.logger.Debug().Int("queued", queued).Log("group stopped")

		go func() {
			g.wg.Wait()
			close(g.terminated)
			g.logger.Info().Log("group terminated")
		}()
	})
}

func (g *Group) fixedWorker(id int) {
	w := &Worker{group: g}
	ctx := WithWorker(g.base, w)

	g.logger.Debug().Int("worker", id).Log("worker started")
	defer g.logger.Debug().Int("worker", id).Log("worker stopped")

	for {
		g.mu.Lock()
		for g.queue.Len() == 0 && !g.stopped {
			g.cond.Wait()
		}
		task, ok := g.queue.Pop()
		g.mu.Unlock()

		if !ok {
			return
		}

		g.run(ctx, w, task)
	}
}

func (g *Group) cachedWorker(task Task) {
	w := &Worker{group: g}
	ctx := WithWorker(g.base, w)

	for {
		g.run(ctx, w, task)

		g.mu.Lock()
		next, ok := g.queue.Pop()
		if !ok {
			g.sem.Release(1)
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()

		task = next
	}
}

func (g *Group) run(ctx context.Context, w *Worker, task Task) {
	w.setInvokeCount(0)
	var pc panics.Catcher
	pc.Try(func() { task(ctx) })
	if r := pc.Recovered(); r != nil {
		g.reportPanic("task", r)
	}
}

// reportPanic logs a recovered panic, rate limited per category
func (g *Group) reportPanic(category any, r *panics.Recovered) {
	if _, ok := g.panics.Allow(category); !ok {
		return
	}
	g.logger.Err().
		Str("category", fmt.Sprint(category)).
		Err(PanicError{Value: r.Value, Stack: r.Stack}).
		Str("stack", string(r.Stack)).
		Log("recovered panic")
}
