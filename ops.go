package aio

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/joeycumines/go-aio/iostatus"
)

// SocketOps performs the I/O of a [SocketChannel].
//
// Reads and writes return a count, or one of the [iostatus] sentinels:
// [iostatus.EOF] at end of stream, [iostatus.Interrupted] once interrupted
// (see InterruptRead and InterruptWrite), and, for TryRead and TryWrite only,
// [iostatus.Unavailable] instead of blocking. I/O on a closed socket fails
// with [ErrClosedChannel].
type SocketOps interface {
	TryRead(p []byte) (int, error)
	Read(p []byte) (int, error)
	TryWrite(p []byte) (int, error)
	Write(p []byte) (int, error)

	// InterruptRead causes a blocked, or the next, Read to return
	// iostatus.Interrupted, until ResetRead is called.
	InterruptRead()
	ResetRead()
	InterruptWrite()
	ResetWrite()

	ShutdownInput() error
	ShutdownOutput() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// DatagramOps performs the I/O of a [DatagramChannel], with the same
// conventions as [SocketOps].
type DatagramOps interface {
	TryReadFrom(p []byte) (int, net.Addr, error)
	ReadFrom(p []byte) (int, net.Addr, error)
	TryWriteTo(p []byte, addr net.Addr) (int, error)
	WriteTo(p []byte, addr net.Addr) (int, error)

	InterruptRead()
	ResetRead()
	InterruptWrite()
	ResetWrite()

	LocalAddr() net.Addr
	Close() error
}

// LockResult is the outcome of a [FileOps.Lock] attempt.
type LockResult int

const (
	// LockAcquired indicates the lock was acquired as requested.
	LockAcquired LockResult = iota
	// LockUnavailable indicates a conflicting lock is held by another
	// process.
	LockUnavailable
	// LockAcquiredExclusive indicates a shared lock was requested, but the
	// platform granted an exclusive one.
	LockAcquiredExclusive
	// LockInterrupted indicates the attempt was interrupted, and may be
	// retried.
	LockInterrupted
)

// FileOps performs the I/O of a [FileChannel]. Positional reads and writes
// follow the conventions of [SocketOps], without Unavailable.
type FileOps interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	Truncate(size int64) error
	Force(metaData bool) error
	// Lock attempts to acquire a range lock without blocking.
	Lock(position, size int64, shared bool) (LockResult, error)
	Unlock(position, size int64) error
	Close() error
}

// aLongTimeAgo is a deadline in the past, used to interrupt blocked I/O
var aLongTimeAgo = time.Unix(1, 0)

// status normalizes the (n, err) of a read or write on a net.Conn or
// os.File to the iostatus encoding
func status(n int, err error, read bool) (int, error) {
	if err == nil {
		return n, nil
	}
	if n > 0 && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
		// the error, if persistent, is returned by the next call
		return n, nil
	}
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return iostatus.Interrupted, nil
	case errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return 0, ErrClosedChannel
	case read && errors.Is(err, io.EOF):
		return iostatus.EOF, nil
	}
	return iostatus.FromErr(n, err)
}
