// Package storage defines the file-system capability the tree and the
// mutation operations run against, and the OS-class errors it reports.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// OS-class errors. Implementations wrap these (or io/fs errors, which
// satisfy errors.Is against them) so callers can classify failures.
var (
	ErrNotExist    = fs.ErrNotExist
	ErrExist       = fs.ErrExist
	ErrPermission  = fs.ErrPermission
	ErrNotEmpty    = errors.New("directory not empty")
	ErrNotDir      = errors.New("not a directory")
	ErrOutsideRoot = errors.New("path escapes storage root")
)

// Kind classifies a directory entry.
type Kind int

const (
	KindOther Kind = iota
	KindFile
	KindDir
)

// FileInfo is the subset of stat information the tree needs.
type FileInfo struct {
	Name    string
	Kind    Kind
	Size    int64
	ModTime time.Time
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool { return fi.Kind == KindDir }

// IsFile reports whether the entry is a regular file.
func (fi FileInfo) IsFile() bool { return fi.Kind == KindFile }

// FileSystem is the capability over the public root. Every name is a
// "/"-separated path relative to the root; "" names the root itself.
// Implementations must refuse names that escape the root.
type FileSystem interface {
	// ReadDir returns the entry names of dir in listing order.
	ReadDir(ctx context.Context, dir string) ([]string, error)

	// Stat describes a single entry. Symbolic links are reported as KindOther.
	Stat(ctx context.Context, name string) (FileInfo, error)

	// Exists reports whether name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// MkdirAll creates dir and any missing parents. Existing directories are not an error.
	MkdirAll(ctx context.Context, dir string) error

	// Rename moves from to to. It fails with ErrExist when to is already taken.
	Rename(ctx context.Context, from, to string) error

	// RemoveDir removes an empty directory. It fails with ErrNotEmpty otherwise.
	RemoveDir(ctx context.Context, dir string) error

	// RemoveFile unlinks a file.
	RemoveFile(ctx context.Context, name string) error

	// Stage spools r (at most limit bytes, limit <= 0 means unlimited) next to dir
	// so it can be committed under a name that is chosen afterwards.
	Stage(ctx context.Context, dir string, r io.Reader, limit int64) (Staged, error)

	// Open returns the content of a file.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Hidden reports whether an entry name is backend bookkeeping, such as
	// an upload spool file, that must never appear in the tree.
	Hidden(name string) bool

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Staged is uploaded content that has not been given its final name yet.
type Staged interface {
	// Size is the number of bytes staged.
	Size() int64

	// Commit publishes the content at name without overwriting. It fails
	// with ErrExist if name is taken, in which case the content stays staged.
	Commit(ctx context.Context, name string) error

	// Discard drops the staged content. It is safe after a successful Commit.
	Discard() error
}

// ErrTooLarge is returned by Stage when the content exceeds its limit.
var ErrTooLarge = errors.New("content exceeds size limit")

// Clean validates a relative name and returns its canonical form.
// Leading and trailing slashes are dropped; "." and ".." segments,
// empty segments and NUL bytes are rejected.
func Clean(name string) (string, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return "", nil
	}
	if strings.ContainsRune(name, 0) {
		return "", ErrOutsideRoot
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrOutsideRoot
		}
	}
	return name, nil
}

// Join joins a relative directory and a child name.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// Split returns the parent directory and final segment of a relative name.
func Split(name string) (dir, base string) {
	dir, base = path.Split(name)
	return strings.TrimSuffix(dir, "/"), base
}
