//go:build unix

package local

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isNotEmpty reports whether err is the errno rmdir returns for a populated
// directory. POSIX allows either ENOTEMPTY or EEXIST.
func isNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST)
}
