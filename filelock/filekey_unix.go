//go:build unix

package filelock

import (
	"os"

	"golang.org/x/sys/unix"
)

func keyOf(f *os.File) (key FileKey, err error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return key, err
	}
	var st unix.Stat_t
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.Fstat(int(fd), &st)
	}); err != nil {
		return key, err
	}
	if serr != nil {
		return key, serr
	}
	return FileKey{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
