// Package iostatus defines the result vocabulary shared by every native call
// site: a non-negative value is a count, a negative value is one of a small,
// fixed set of status sentinels.
//
// Native call wrappers must loop while the result is [Interrupted] (see
// [Retry]), must normalize [Unavailable] to a zero count before returning to
// callers (see [Normalize]), and must never let any other negative value
// escape. Anything else is a programming error, reported by panicking with an
// [*AssertionError].
package iostatus

import (
	"errors"
	"fmt"
	"io"

	"code.hybscloud.com/iox"
)

// Status sentinels. The values match the conventional native-layer encoding.
const (
	// EOF indicates end of stream.
	EOF = -1
	// Unavailable indicates that nothing is ready and the call would block.
	Unavailable = -2
	// Interrupted indicates that the system call was interrupted, and should
	// be re-issued.
	Interrupted = -3
	// Unsupported indicates that the operation is not supported.
	Unsupported = -4
	// UnsupportedCase indicates that this particular case of an otherwise
	// supported operation is not supported.
	UnsupportedCase = -6
)

var (
	// ErrInterrupted is the error form of [Interrupted].
	ErrInterrupted = errors.New("iostatus: interrupted")

	// ErrUnsupported is the error form of [Unsupported] and [UnsupportedCase].
	ErrUnsupported = errors.New("iostatus: unsupported")
)

// AssertionError is the panic value used when a status escapes the layer
// that should have handled it.
type AssertionError struct {
	Status int
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("iostatus: unexpected status %s", String(e.Status))
}

// String returns a human-readable representation of n.
func String(n int) string {
	switch {
	case n >= 0:
		return fmt.Sprintf("count(%d)", n)
	case n == EOF:
		return "EOF"
	case n == Unavailable:
		return "Unavailable"
	case n == Interrupted:
		return "Interrupted"
	case n == Unsupported:
		return "Unsupported"
	case n == UnsupportedCase:
		return "UnsupportedCase"
	default:
		return fmt.Sprintf("Status(%d)", n)
	}
}

// Check reports whether n is a count, [EOF] or [Unavailable], i.e. a value
// that a caller is allowed to observe.
func Check(n int) bool {
	return n >= Unavailable
}

// CheckAll is [Check] for 64-bit results, e.g. transfer sizes.
func CheckAll(n int64) bool {
	return n >= Unavailable
}

// Normalize maps [Unavailable] to 0, and returns counts and [EOF] unchanged.
// Any other negative value panics with an [*AssertionError].
func Normalize(n int) int {
	switch {
	case n == Unavailable:
		return 0
	case n >= EOF:
		return n
	default:
		panic(&AssertionError{Status: n})
	}
}

// NormalizeAll is [Normalize] for 64-bit results.
func NormalizeAll(n int64) int64 {
	switch {
	case n == Unavailable:
		return 0
	case n >= EOF:
		return n
	default:
		panic(&AssertionError{Status: int(n)})
	}
}

// Retry calls fn until it returns something other than ([Interrupted], nil).
// If open is non-nil, the loop also stops as soon as it reports false, in
// which case the last result (typically [Interrupted]) is returned, and it is
// up to the caller to translate it, e.g. into an asynchronous close error.
func Retry(fn func() (int, error), open func() bool) (int, error) {
	for {
		n, err := fn()
		if err != nil || n != Interrupted {
			return n, err
		}
		if open != nil && !open() {
			return n, nil
		}
	}
}

// FromErr converts the conventional (n, err) pair returned by a raw system
// call into the status encoding. Interruption and would-block conditions
// become [Interrupted] and [Unavailable] with a nil error, end of stream
// becomes [EOF]. Other errors are returned unchanged, with n set to 0.
func FromErr(n int, err error) (int, error) {
	if err == nil {
		if n < 0 {
			return 0, nil
		}
		return n, nil
	}
	switch {
	case isInterrupted(err):
		return Interrupted, nil
	case isWouldBlock(err) || iox.IsWouldBlock(err):
		return Unavailable, nil
	case errors.Is(err, io.EOF):
		return EOF, nil
	case isUnsupported(err) || errors.Is(err, ErrUnsupported):
		return Unsupported, nil
	}
	return 0, err
}

// Err returns the error form of n, or nil for counts. [Unavailable] maps to
// [iox.ErrWouldBlock], [EOF] to [io.EOF].
func Err(n int) error {
	switch {
	case n >= 0:
		return nil
	case n == EOF:
		return io.EOF
	case n == Unavailable:
		return iox.ErrWouldBlock
	case n == Interrupted:
		return ErrInterrupted
	case n == Unsupported:
		return ErrUnsupported
	case n == UnsupportedCase:
		return fmt.Errorf("%w: case", ErrUnsupported)
	default:
		return &AssertionError{Status: n}
	}
}
