//go:build unix && !linux

package aio

import (
	"golang.org/x/sys/unix"
)

func fdatasync(fd int) error { return unix.Fsync(fd) }
