//go:build !unix && !windows

package local

func isNotEmpty(err error) bool {
	return false
}
