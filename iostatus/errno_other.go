//go:build !unix && !windows

package iostatus

import "errors"

func isInterrupted(error) bool { return false }

func isWouldBlock(error) bool { return false }

func isUnsupported(err error) bool { return errors.Is(err, errors.ErrUnsupported) }
