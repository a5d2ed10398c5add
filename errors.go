package aio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"syscall"

	"code.hybscloud.com/iox"
	"github.com/joeycumines/go-aio/filelock"
	"github.com/joeycumines/go-aio/iostatus"
)

var (
	// ErrClosedChannel is returned for operations on a closed channel.
	ErrClosedChannel = errors.New("aio: channel closed")

	// ErrAsynchronousClose is returned when the channel was closed while the
	// operation was in progress. It matches [ErrClosedChannel].
	ErrAsynchronousClose error = &kindError{msg: "aio: channel closed asynchronously", kind: ErrClosedChannel}

	// ErrNotYetConnected is returned for I/O on an unconnected channel.
	ErrNotYetConnected = errors.New("aio: channel not yet connected")

	// ErrAlreadyBound is returned when binding a channel that is bound.
	ErrAlreadyBound = errors.New("aio: channel already bound")

	// ErrAlreadyConnected is returned when connecting a connected channel.
	ErrAlreadyConnected = errors.New("aio: channel already connected")

	// ErrConnectionPending is returned while a connect is outstanding.
	ErrConnectionPending = errors.New("aio: connection pending")

	// ErrReadPending is returned when a read is initiated while another is
	// outstanding.
	ErrReadPending = errors.New("aio: read pending")

	// ErrWritePending is returned when a write is initiated while another is
	// outstanding.
	ErrWritePending = errors.New("aio: write pending")

	// ErrKilled is returned when a direction was killed, by a timeout or a
	// cancellation, and may no longer be used.
	ErrKilled = errors.New("aio: operation not allowed due to timeout or cancellation")

	// ErrInterruptedByTimeout is the failure of an operation that did not
	// complete within its timeout.
	ErrInterruptedByTimeout error = &kindError{msg: "aio: interrupted by timeout", kind: os.ErrDeadlineExceeded}

	// ErrShutdownChannelGroup is returned when a handler cannot be delivered,
	// or a channel cannot be created, because the group is shut down.
	ErrShutdownChannelGroup = errors.New("aio: channel group is shutdown")

	// ErrRejected is returned by [Group.ExecuteOnPooledThread] once the group
	// no longer accepts tasks.
	ErrRejected = errors.New("aio: task rejected")

	// ErrCancelled is the result of a cancelled [Future]. It matches
	// [context.Canceled].
	ErrCancelled error = &kindError{msg: "aio: operation cancelled", kind: context.Canceled}

	// ErrNonReadableChannel is returned for reads (and shared locks) on a
	// file channel not opened for reading.
	ErrNonReadableChannel = errors.New("aio: channel not open for reading")

	// ErrNonWritableChannel is returned for writes (and exclusive locks) on a
	// file channel not opened for writing.
	ErrNonWritableChannel = errors.New("aio: channel not open for writing")

	// ErrNegativeArgument is returned for a negative file position or size.
	ErrNegativeArgument = errors.New("aio: negative position or size")

	// ErrTimeout is matched by the [*TimeoutError] returned by
	// [Future.GetTimeout].
	ErrTimeout = errors.New("aio: timed out waiting for result")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// OpError describes the failure of an operation on a channel.
type OpError struct {
	Err error
	Op  Op
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Err == nil {
		return "aio: " + e.Op.String()
	}
	return "aio: " + e.Op.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *OpError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the operation timed out.
func (e *OpError) Timeout() bool {
	return errors.Is(e.Err, ErrInterruptedByTimeout)
}

// IOError wraps a failure that is not itself an I/O error, e.g. a value
// recovered from a panicking producer.
type IOError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *IOError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return "aio: i/o error: " + e.Cause.Error()
	}
	return "aio: i/o error"
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *IOError) Unwrap() error {
	return e.Cause
}

// TimeoutError is returned by [Future.GetTimeout] when the result was not
// available in time. It matches [ErrTimeout].
type TimeoutError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "aio: timed out waiting for result"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Timeout always returns true, for compatibility with [net.Error].
func (e *TimeoutError) Timeout() bool { return true }

// PanicError wraps a value recovered from a panicking task or handler. An
// operation whose producer panicked fails with it, wrapped in an [*OpError].
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("aio: panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// isIOKind reports whether err may be stored in a future as is, rather than
// wrapped in an [*IOError].
func isIOKind(err error) bool {
	var (
		opErr      *OpError
		ioErr      *IOError
		timeoutErr *TimeoutError
		pathErr    *fs.PathError
		sysErr     *os.SyscallError
		netErr     *net.OpError
		errno      syscall.Errno
		assertErr  *iostatus.AssertionError
	)
	switch {
	case errors.As(err, &opErr),
		errors.As(err, &ioErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &pathErr),
		errors.As(err, &sysErr),
		errors.As(err, &netErr),
		errors.As(err, &errno),
		errors.As(err, &assertErr):
		return true
	}
	for _, target := range [...]error{
		ErrClosedChannel,
		ErrCancelled,
		ErrInterruptedByTimeout,
		ErrKilled,
		ErrShutdownChannelGroup,
		fs.ErrPermission,
		io.EOF,
		io.ErrUnexpectedEOF,
		os.ErrDeadlineExceeded,
		iox.ErrWouldBlock,
		iostatus.ErrInterrupted,
		iostatus.ErrUnsupported,
		filelock.ErrOverlappingLock,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// asyncClose translates a closed channel error raised while the operation was
// already in progress.
func asyncClose(err error) error {
	if errors.Is(err, ErrClosedChannel) && !errors.Is(err, ErrAsynchronousClose) {
		return ErrAsynchronousClose
	}
	return err
}

func opError(op Op, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) || errors.Is(err, ErrCancelled) {
		return err
	}
	return &OpError{Op: op, Err: err}
}
