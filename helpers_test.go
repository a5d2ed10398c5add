package aio

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent use, for capturing logs
type syncBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

func newTestGroup(t *testing.T, opts ...GroupOption) *Group {
	t.Helper()
	g, err := NewGroup(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = g.ShutdownNow()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.AwaitTermination(ctx); err != nil {
			t.Errorf("group did not terminate: %v", err)
		}
	})
	return g
}

// fakeChannel is a Groupable, Cancellable channel, that does nothing
type fakeChannel struct {
	group     *Group
	cancelled []Op
	closed    atomic.Int32
	mu        sync.Mutex
}

func (x *fakeChannel) IsOpen() bool  { return x.closed.Load() == 0 }
func (x *fakeChannel) Close() error  { x.closed.Add(1); return nil }
func (x *fakeChannel) Group() *Group { return x.group }

func (x *fakeChannel) OnCancel(op Op) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cancelled = append(x.cancelled, op)
}

func (x *fakeChannel) cancelledOps() []Op {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]Op(nil), x.cancelled...)
}

// outcome is what a recordingHandler was delivered
type outcome[V any] struct {
	Err       error
	Worker    *Worker
	Value     V
	Count     int
	Cancelled bool
}

// recordingHandler is a CompletionHandler and CancellationHandler, sending
// each delivery to a buffered channel
type recordingHandler[V any] struct {
	ch chan outcome[V]
}

func newRecordingHandler[V any]() *recordingHandler[V] {
	return &recordingHandler[V]{ch: make(chan outcome[V], 64)}
}

func (x *recordingHandler[V]) Completed(ctx context.Context, v V, _ any) {
	w := WorkerFrom(ctx)
	x.ch <- outcome[V]{Value: v, Worker: w, Count: w.InvokeCount()}
}

func (x *recordingHandler[V]) Failed(ctx context.Context, err error, _ any) {
	w := WorkerFrom(ctx)
	x.ch <- outcome[V]{Err: err, Worker: w, Count: w.InvokeCount()}
}

func (x *recordingHandler[V]) Cancelled(ctx context.Context, _ any) {
	w := WorkerFrom(ctx)
	x.ch <- outcome[V]{Cancelled: true, Worker: w, Count: w.InvokeCount()}
}

func (x *recordingHandler[V]) next(t *testing.T) outcome[V] {
	t.Helper()
	select {
	case o := <-x.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
		panic("unreachable")
	}
}

func (x *recordingHandler[V]) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case o := <-x.ch:
		t.Fatalf("unexpected delivery: %+v", o)
	case <-time.After(d):
	}
}
