//go:build linux

package nativethread

import (
	"golang.org/x/sys/unix"
)

func osThreadID() int {
	return unix.Gettid()
}
