//go:build !unix

package filelock

import (
	"os"
	"path/filepath"
)

func keyOf(f *os.File) (FileKey, error) {
	path, err := filepath.Abs(f.Name())
	if err != nil {
		return FileKey{}, err
	}
	return FileKey{Path: filepath.Clean(path)}, nil
}
