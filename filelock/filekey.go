package filelock

import (
	"fmt"
	"os"
)

// FileKey identifies an open file independently of the descriptor or path
// used to open it.
type FileKey struct {
	// Path is only set on platforms without device and inode numbers.
	Path string
	Dev  uint64
	Ino  uint64
}

func (k FileKey) String() string {
	if k.Path != "" {
		return fmt.Sprintf("FileKey(%s)", k.Path)
	}
	return fmt.Sprintf("FileKey(dev=%d,ino=%d)", k.Dev, k.Ino)
}

// KeyOf returns the key of f.
func KeyOf(f *os.File) (FileKey, error) {
	key, err := keyOf(f)
	if err != nil {
		return FileKey{}, fmt.Errorf("filelock: key of %s: %w", f.Name(), err)
	}
	return key, nil
}
