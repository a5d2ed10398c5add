//go:build windows

package iostatus

import (
	"errors"
	"syscall"
)

func isInterrupted(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

func isUnsupported(err error) bool {
	return errors.Is(err, syscall.EWINDOWS) || errors.Is(err, syscall.ENOTSUP)
}
