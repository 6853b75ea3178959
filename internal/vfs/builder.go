package vfs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/fruitsalade/filemanager/internal/models"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// Builder walks the file-system capability and produces a snapshot.
type Builder struct {
	fs      storage.FileSystem
	exclude []string
}

// NewBuilder creates a Builder. Entries the file system reports as hidden,
// and entries whose name matches one of the exclude globs (path.Match
// syntax), are left out of the tree.
func NewBuilder(fs storage.FileSystem, exclude ...string) (*Builder, error) {
	for _, pat := range exclude {
		if _, err := path.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pat, err)
		}
	}
	return &Builder{fs: fs, exclude: exclude}, nil
}

func (b *Builder) excluded(name string) bool {
	if b.fs.Hidden(name) {
		return true
	}
	for _, pat := range b.exclude {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// Hidden reports whether rel, or any folder above it, is left out of the tree.
func (b *Builder) Hidden(rel string) bool {
	if rel == "" {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if b.excluded(seg) {
			return true
		}
	}
	return false
}

// Build returns the folder at rel with its full subtree. Children keep
// listing order. Any listing or stat failure, anywhere in the walk, fails
// the whole build with ErrDirectoryUnreadable; there is no partial tree.
// Entries that are neither regular files nor directories (symbolic links
// included) are skipped, so the walk cannot cycle.
func (b *Builder) Build(ctx context.Context, rel string) (*models.Node, error) {
	rel, err := storage.Clean(rel)
	if err != nil {
		return nil, fmt.Errorf("build %q: %w: %w", rel, ErrDirectoryUnreadable, err)
	}
	info, err := b.fs.Stat(ctx, rel)
	if err != nil {
		return nil, fmt.Errorf("build %q: %w: %w", rel, ErrDirectoryUnreadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build %q: %w: %w", rel, ErrDirectoryUnreadable, storage.ErrNotDir)
	}
	return b.folder(ctx, rel, info)
}

func (b *Builder) folder(ctx context.Context, rel string, info storage.FileInfo) (*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("build %q: %w: %w", rel, ErrDirectoryUnreadable, err)
	}

	names, err := b.fs.ReadDir(ctx, rel)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w: %w", rel, ErrDirectoryUnreadable, err)
	}

	node := &models.Node{
		ID:       EncodeFolderID(rel),
		Name:     folderName(rel),
		Type:     models.TypeFolder,
		Path:     rel,
		ModTime:  info.ModTime,
		Children: make([]*models.Node, 0, len(names)),
	}

	for _, name := range names {
		if b.excluded(name) {
			continue
		}
		child := storage.Join(rel, name)
		ci, err := b.fs.Stat(ctx, child)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w: %w", child, ErrDirectoryUnreadable, err)
		}
		switch ci.Kind {
		case storage.KindDir:
			sub, err := b.folder(ctx, child, ci)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, sub)
		case storage.KindFile:
			node.Children = append(node.Children, &models.Node{
				ID:      EncodeFileID(child),
				Name:    name,
				Type:    models.TypeFile,
				Path:    child,
				Size:    ci.Size,
				ModTime: ci.ModTime,
			})
		}
	}
	return node, nil
}

func folderName(rel string) string {
	if rel == "" {
		return models.RootName
	}
	_, base := storage.Split(rel)
	return base
}

// countNodes returns the number of nodes below root, root excluded.
func countNodes(root *models.Node) int {
	n := 0
	for _, c := range root.Children {
		n++
		if c.IsFolder() {
			n += countNodes(c)
		}
	}
	return n
}
