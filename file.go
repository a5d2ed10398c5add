package aio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"code.hybscloud.com/iox"
	"github.com/joeycumines/go-aio/filelock"
	"github.com/joeycumines/go-aio/iostatus"
	"github.com/joeycumines/go-aio/nativethread"
	"github.com/joeycumines/logiface"
)

// lockPollMax bounds the interval between attempts to acquire a contended
// range lock.
const lockPollMax = 20 * time.Millisecond

// FileChannel is an asynchronous channel for reading, writing, and locking a
// file. Operations carry their own position, and may run concurrently.
//
// A file channel is not bound to a [Group]. Its operations run on, and its
// handlers are delivered via, an [Executor] (see [WithExecutor]).
type FileChannel struct {
	file    *os.File
	ops     FileOps
	exec    Executor
	logger  *logiface.Logger[logiface.Event]
	threads *nativethread.Set
	table   filelock.Table
	closer
	reading bool
	writing bool
}

var (
	_ Channel        = (*FileChannel)(nil)
	_ filelock.Owner = (*FileChannel)(nil)
)

// OpenFile opens the named file, per [os.OpenFile], and returns a channel
// for it, readable and writable per the access mode of flag.
func OpenFile(name string, flag int, perm os.FileMode, opts ...ChannelOption) (*FileChannel, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	var reading, writing bool
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		reading = true
	case os.O_WRONLY:
		writing = true
	case os.O_RDWR:
		reading, writing = true, true
	}
	c, err := NewFileChannel(f, reading, writing, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return c, nil
}

// NewFileChannel returns a channel for file, which must have been opened
// with an access mode consistent with reading and writing. The channel takes
// ownership of file, unless an error is returned.
func NewFileChannel(file *os.File, reading, writing bool, opts ...ChannelOption) (*FileChannel, error) {
	if file == nil {
		return nil, errors.New("aio: nil file")
	}
	cfg, err := resolveChannelOptions(opts)
	if err != nil {
		return nil, err
	}

	c := &FileChannel{
		file:    file,
		ops:     newFileOps(file, cfg.portable),
		exec:    cfg.executor,
		reading: reading,
		writing: writing,
	}
	if c.exec == nil {
		c.exec = DefaultGroup().Executor()
	}
	c.logger = cfg.logger.Clone().
		Str("channel", "file").
		Str("name", file.Name()).
		Logger()

	var setOpts []nativethread.Option
	if cfg.resignal > 0 {
		setOpts = append(setOpts, nativethread.WithResignalInterval(cfg.resignal))
	}
	c.threads = nativethread.NewSet(0, setOpts...)

	if cfg.localLock {
		c.table = filelock.NewLocal()
	} else {
		key, err := filelock.KeyOf(file)
		if err != nil {
			return nil, fmt.Errorf("aio: file key: %w", err)
		}
		c.table = cfg.registry.Table(c, key)
	}

	c.open.Store(true)
	return c, nil
}

func (c *FileChannel) executor() Executor { return c.exec }

// IsOpen reports whether the channel is open.
func (c *FileChannel) IsOpen() bool { return c.isOpen() }

// Name returns the name of the file.
func (c *FileChannel) Name() string { return c.file.Name() }

// Read reads into buf from the file at position. Reading at or beyond the end
// of the file returns [iostatus.EOF].
func (c *FileChannel) Read(ctx context.Context, buf []byte, position int64, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	if position < 0 {
		return nil, ErrNegativeArgument
	}
	if !c.reading {
		return nil, ErrNonReadableChannel
	}
	return c.transfer(ctx, OpRead, buf, handler, attachment, func() (int, error) {
		return c.ops.ReadAt(buf, position)
	})
}

// Write writes buf to the file at position, returning the number of bytes
// written.
func (c *FileChannel) Write(ctx context.Context, buf []byte, position int64, handler CompletionHandler[int], attachment any) (*Future[int], error) {
	if position < 0 {
		return nil, ErrNegativeArgument
	}
	if !c.writing {
		return nil, ErrNonWritableChannel
	}
	return c.transfer(ctx, OpWrite, buf, handler, attachment, func() (int, error) {
		return c.ops.WriteAt(buf, position)
	})
}

func (c *FileChannel) transfer(ctx context.Context, op Op, buf []byte, handler CompletionHandler[int], attachment any, fn func() (int, error)) (*Future[int], error) {
	if !c.IsOpen() {
		return deliver(ctx, c, handler, attachment, op, 0, opError(op, ErrClosedChannel))
	}
	if len(buf) == 0 {
		return deliver(ctx, c, handler, attachment, op, 0, nil)
	}

	f := NewFuture(c, handler, attachment, op)
	if err := c.exec.Execute(func(ctx context.Context) {
		produce(ctx, c.logger, f, func() {
			n, err := c.run(op, fn)
			_ = completeUnchecked(ctx, f, n, err)
		})
	}); err != nil {
		return nil, ErrShutdownChannelGroup
	}

	f.watch(ctx)
	return f, nil
}

// run performs a positional transfer, retrying while interrupted
func (c *FileChannel) run(op Op, fn func() (int, error)) (int, error) {
	if err := c.begin(); err != nil {
		return 0, opError(op, ErrAsynchronousClose)
	}
	defer c.end()
	idx := c.threads.Add(nativethread.Current(nil))
	defer c.threads.Remove(idx)

	n, err := iostatus.Retry(fn, c.IsOpen)
	if err != nil && !c.IsOpen() {
		err = ErrAsynchronousClose
	}
	return transferResult(op, c.IsOpen(), n, err)
}

// blocking runs fn on the calling goroutine, retrying while interrupted
func (c *FileChannel) blocking(fn func() error) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	idx := c.threads.Add(nativethread.Current(nil))
	defer c.threads.Remove(idx)

	n, err := iostatus.Retry(func() (int, error) { return iostatus.FromErr(0, fn()) }, c.IsOpen)
	switch {
	case err != nil && !c.IsOpen():
		return ErrAsynchronousClose
	case err != nil:
		return err
	case n == iostatus.Interrupted:
		return ErrAsynchronousClose
	}
	return iostatus.Err(n)
}

// Size returns the current size of the file.
func (c *FileChannel) Size() (size int64, err error) {
	err = c.blocking(func() (err error) {
		size, err = c.ops.Size()
		return err
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// Truncate truncates the file to size, if it is larger.
func (c *FileChannel) Truncate(size int64) error {
	if size < 0 {
		return ErrNegativeArgument
	}
	if !c.writing {
		return ErrNonWritableChannel
	}
	return c.blocking(func() error {
		current, err := c.ops.Size()
		if err != nil || size >= current {
			return err
		}
		return c.ops.Truncate(size)
	})
}

// Force flushes writes to the underlying storage, including the file's
// metadata, if metaData is true.
func (c *FileChannel) Force(metaData bool) error {
	return c.blocking(func() error { return c.ops.Force(metaData) })
}

// Lock acquires a range lock on the file, waiting while it is held by
// another process. A size of [filelock.ToEOF] locks to the end of file,
// however far it grows.
//
// An overlapping lock held through a channel on the same file, within this
// process, fails synchronously with [filelock.ErrOverlappingLock]. If the
// future is cancelled after the lock was acquired, the lock is released.
func (c *FileChannel) Lock(ctx context.Context, position, size int64, shared bool, handler CompletionHandler[*filelock.Lock], attachment any) (*Future[*filelock.Lock], error) {
	if err := c.checkLockMode(shared); err != nil {
		return nil, err
	}

	l, err := c.addToFileLockTable(position, size, shared)
	if errors.Is(err, ErrClosedChannel) {
		return deliver[*filelock.Lock](ctx, c, handler, attachment, OpLock, nil, opError(OpLock, err))
	}
	if err != nil {
		return nil, err
	}

	f := NewFuture(c, handler, attachment, OpLock)
	if err := c.exec.Execute(func(ctx context.Context) {
		produce(ctx, c.logger, f, func() {
			acquired, err := c.acquire(l, f.IsDone)
			_ = completeUnchecked(ctx, f, acquired, opError(OpLock, err))
			if acquired != nil && f.IsCancelled() {
				if err := c.ReleaseLock(acquired); err != nil {
					c.logger.Warning().
						Err(err).
						Log("failed to release lock of cancelled operation")
				}
			}
		})
	}); err != nil {
		c.table.Remove(l)
		return nil, ErrShutdownChannelGroup
	}

	f.watch(ctx)
	return f, nil
}

// TryLock attempts to acquire a range lock without waiting, returning a nil
// lock if it is held by another process.
func (c *FileChannel) TryLock(position, size int64, shared bool) (*filelock.Lock, error) {
	if err := c.checkLockMode(shared); err != nil {
		return nil, err
	}

	l, err := c.addToFileLockTable(position, size, shared)
	if err != nil {
		return nil, err
	}

	if err := c.begin(); err != nil {
		c.table.Remove(l)
		return nil, err
	}
	defer c.end()
	idx := c.threads.Add(nativethread.Current(nil))
	defer c.threads.Remove(idx)

	for {
		res, err := c.ops.Lock(position, size, shared)
		switch {
		case err != nil:
			c.table.Remove(l)
			return nil, err
		case res == LockAcquired:
			return l, nil
		case res == LockAcquiredExclusive:
			return c.replaceExclusive(l)
		case res == LockUnavailable:
			c.table.Remove(l)
			return nil, nil
		case !c.IsOpen():
			c.table.Remove(l)
			return nil, ErrAsynchronousClose
		}
	}
}

func (c *FileChannel) checkLockMode(shared bool) error {
	if shared && !c.reading {
		return ErrNonReadableChannel
	}
	if !shared && !c.writing {
		return ErrNonWritableChannel
	}
	return nil
}

// addToFileLockTable reserves the range in the lock table, failing with
// ErrClosedChannel if the channel is closed
func (c *FileChannel) addToFileLockTable(position, size int64, shared bool) (*filelock.Lock, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()
	l, err := filelock.New(c, position, size, shared)
	if err != nil {
		return nil, err
	}
	if err := c.table.Add(l); err != nil {
		return nil, err
	}
	return l, nil
}

// acquire polls for the OS lock on the range of l, which must already be in
// the lock table. The lock is removed from the table on failure.
func (c *FileChannel) acquire(l *filelock.Lock, abandoned func() bool) (acquired *filelock.Lock, err error) {
	defer func() {
		if acquired == nil {
			c.table.Remove(l)
		}
	}()

	if err := c.begin(); err != nil {
		return nil, ErrAsynchronousClose
	}
	defer c.end()
	idx := c.threads.Add(nativethread.Current(nil))
	defer c.threads.Remove(idx)

	var backoff iox.Backoff
	backoff.SetMax(lockPollMax)

	for {
		res, err := c.ops.Lock(l.Position(), l.Size(), l.IsShared())
		if err != nil {
			if !c.IsOpen() {
				return nil, ErrAsynchronousClose
			}
			return nil, err
		}

		switch res {
		case LockAcquired:
			if !c.IsOpen() {
				_ = c.ops.Unlock(l.Position(), l.Size())
				return nil, ErrAsynchronousClose
			}
			return l, nil
		case LockAcquiredExclusive:
			return c.replaceExclusive(l)
		}

		switch {
		case !c.IsOpen():
			return nil, ErrAsynchronousClose
		case abandoned():
			return nil, ErrCancelled
		case res == LockUnavailable:
			backoff.Wait()
		}
	}
}

// replaceExclusive swaps l for an exclusive lock on the same range, as the
// OS granted one
func (c *FileChannel) replaceExclusive(l *filelock.Lock) (*filelock.Lock, error) {
	exclusive, err := filelock.New(c, l.Position(), l.Size(), false)
	if err != nil {
		c.table.Remove(l)
		return nil, err
	}
	c.table.Replace(l, exclusive)
	return exclusive, nil
}

// ReleaseLock releases a lock acquired through this channel. It implements
// [filelock.Owner], and is normally called via [filelock.Lock.Release].
func (c *FileChannel) ReleaseLock(l *filelock.Lock) error {
	if l.Owner() != filelock.Owner(c) {
		return fmt.Errorf("aio: %s not owned by %s", l, c)
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	err := l.ReleaseFunc(func() error {
		idx := c.threads.Add(nativethread.Current(nil))
		defer c.threads.Remove(idx)
		return c.ops.Unlock(l.Position(), l.Size())
	})
	if err != nil {
		return err
	}
	c.table.Remove(l)
	return nil
}

// Locks returns the valid locks held through this channel.
func (c *FileChannel) Locks() []*filelock.Lock {
	var locks []*filelock.Lock
	for _, l := range c.table.Locks() {
		if l.IsValid() && l.Owner() == filelock.Owner(c) {
			locks = append(locks, l)
		}
	}
	return locks
}

// Close releases every lock held through the channel, waits for operations
// in progress, and closes the file.
func (c *FileChannel) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}

	if _, err := c.table.RemoveAll(func(l *filelock.Lock) error {
		return l.ReleaseFunc(func() error {
			return c.ops.Unlock(l.Position(), l.Size())
		})
	}); err != nil {
		c.logger.Warning().
			Err(err).
			Log("failed to release locks on close")
	}

	if n := c.threads.Len(); n != 0 {
		c.logger.Debug().
			Int("in_flight", n).
			Log("closing channel with blocked operations")
	}
	_ = c.threads.SignalAndWait(context.Background())

	// wait for operations that already began
	c.mu.Lock()
	c.mu.Unlock()

	return c.ops.Close()
}

func (c *FileChannel) String() string {
	return fmt.Sprintf("FileChannel[%s open=%t]", c.file.Name(), c.IsOpen())
}
