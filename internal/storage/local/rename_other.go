//go:build !linux

package local

func renameNoReplace(src, dst string) error {
	return renameChecked(src, dst)
}
