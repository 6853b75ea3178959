// Package local provides the file-system capability over a directory on local disk.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/filemanager/internal/storage"
)

// TempPattern names upload spool files while they are being written.
// Hidden reports entries matching it.
const TempPattern = ".filemanager-*.tmp"

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend implements storage.FileSystem rooted at a directory.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	// Ensure root exists
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &LocalBackend{rootPath: root}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the absolute path of the public root.
func (b *LocalBackend) Root() string { return b.rootPath }

func (b *LocalBackend) fullPath(name string) (string, error) {
	clean, err := storage.Clean(name)
	if err != nil {
		return "", fmt.Errorf("%q: %w", name, err)
	}
	full := filepath.Join(b.rootPath, filepath.FromSlash(clean))
	rel, err := filepath.Rel(b.rootPath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", name, storage.ErrOutsideRoot)
	}
	return full, nil
}

// ReadDir lists dir in the order the operating system returns entries.
func (b *LocalBackend) ReadDir(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := b.fullPath(dir)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open dir %q: %w", dir, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}
	return names, nil
}

// Stat describes name without following symbolic links.
func (b *LocalBackend) Stat(ctx context.Context, name string) (storage.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.FileInfo{}, err
	}
	full, err := b.fullPath(name)
	if err != nil {
		return storage.FileInfo{}, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return storage.FileInfo{}, fmt.Errorf("stat %q: %w", name, err)
	}
	return toFileInfo(info), nil
}

func toFileInfo(info os.FileInfo) storage.FileInfo {
	fi := storage.FileInfo{
		Name:    info.Name(),
		Kind:    storage.KindOther,
		ModTime: info.ModTime(),
	}
	switch {
	case info.Mode().IsRegular():
		fi.Kind = storage.KindFile
		fi.Size = info.Size()
	case info.IsDir():
		fi.Kind = storage.KindDir
	}
	return fi
}

// Exists reports whether name exists on disk.
func (b *LocalBackend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.Stat(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// MkdirAll creates dir with any missing parents.
func (b *LocalBackend) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := b.fullPath(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}
	return nil
}

// Rename moves from to to without replacing an existing entry.
func (b *LocalBackend) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := b.fullPath(from)
	if err != nil {
		return err
	}
	dst, err := b.fullPath(to)
	if err != nil {
		return err
	}
	if err := renameNoReplace(src, dst); err != nil {
		return fmt.Errorf("rename %q -> %q: %w", from, to, err)
	}
	return nil
}

// renameChecked is the portable fallback: check then rename.
func renameChecked(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: fs.ErrExist}
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(src, dst)
}

// RemoveDir removes an empty directory.
func (b *LocalBackend) RemoveDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := b.fullPath(dir)
	if err != nil {
		return err
	}
	if full == b.rootPath {
		return fmt.Errorf("remove root: %w", fs.ErrPermission)
	}
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("remove dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remove dir %q: %w", dir, storage.ErrNotDir)
	}
	if err := os.Remove(full); err != nil {
		if isNotEmpty(err) {
			return fmt.Errorf("remove dir %q: %w", dir, storage.ErrNotEmpty)
		}
		return fmt.Errorf("remove dir %q: %w", dir, err)
	}
	return nil
}

// RemoveFile unlinks a regular file.
func (b *LocalBackend) RemoveFile(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := b.fullPath(name)
	if err != nil {
		return err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("remove %q: is a directory: %w", name, fs.ErrInvalid)
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	return nil
}

// Stage writes r to a temp file inside dir. Committing links the temp file
// to its final name, so a commit never overwrites and never exposes a
// partially written file.
func (b *LocalBackend) Stage(ctx context.Context, dir string, r io.Reader, limit int64) (storage.Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := b.fullPath(dir)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(full, TempPattern)
	if err != nil {
		return nil, fmt.Errorf("create temp in %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("write temp in %q: %w", dir, err)
	}
	if limit > 0 && n > limit {
		tmp.Close()
		os.Remove(tmpName)
		return nil, storage.ErrTooLarge
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("chmod temp in %q: %w", dir, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close temp in %q: %w", dir, err)
	}

	return &stagedFile{backend: b, tmpName: tmpName, size: n}, nil
}

type stagedFile struct {
	backend *LocalBackend
	tmpName string
	size    int64
	done    bool
}

func (s *stagedFile) Size() int64 { return s.size }

func (s *stagedFile) Commit(ctx context.Context, name string) error {
	if s.done {
		return fmt.Errorf("commit %q: already committed", name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.backend.fullPath(name)
	if err != nil {
		return err
	}

	err = os.Link(s.tmpName, dst)
	switch {
	case err == nil:
		s.done = true
		os.Remove(s.tmpName)
		return nil
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("commit %q: %w", name, storage.ErrExist)
	}

	// Hard links are not available everywhere; fall back to a rename.
	if err := renameNoReplace(s.tmpName, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("commit %q: %w", name, storage.ErrExist)
		}
		return fmt.Errorf("commit %q: %w", name, err)
	}
	s.done = true
	return nil
}

func (s *stagedFile) Discard() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := os.Remove(s.tmpName); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Open opens a regular file for reading.
func (b *LocalBackend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := b.fullPath(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("open %q: not a regular file: %w", name, fs.ErrInvalid)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	return f, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Hidden reports whether name is an upload spool file.
func (b *LocalBackend) Hidden(name string) bool {
	ok, _ := filepath.Match(TempPattern, name)
	return ok
}

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
