package vfs

import (
	"context"
	"fmt"
	"sort"

	"github.com/fruitsalade/filemanager/internal/models"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// Lookup resolves identifiers against the cached snapshot. Every search is
// a pre-order depth-first walk with children in listing order; the first
// match wins.
type Lookup struct {
	cache *Cache
}

// NewLookup creates a Lookup over cache.
func NewLookup(cache *Cache) *Lookup {
	return &Lookup{cache: cache}
}

// Item is a non-root node together with its parent folder.
type Item struct {
	Node   *models.Node
	Parent *models.Node
}

// walk visits every node below n in pre-order. trail holds n's ancestors
// and n itself. Returning false from fn stops the walk.
func walk(n *models.Node, trail []*models.Node, fn func(node *models.Node, trail []*models.Node) bool) bool {
	trail = append(trail, n)
	for _, child := range n.Children {
		if !fn(child, trail) {
			return false
		}
		if child.IsFolder() && !walk(child, trail, fn) {
			return false
		}
	}
	return true
}

// Tree returns the current snapshot.
func (l *Lookup) Tree(ctx context.Context) (*models.Node, error) {
	return l.cache.Snapshot(ctx)
}

// FindFolder returns the folder with the given id. "root" is the snapshot root.
func (l *Lookup) FindFolder(ctx context.Context, id string) (*models.Node, error) {
	root, err := l.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if id == models.RootID {
		return root, nil
	}

	var found *models.Node
	walk(root, nil, func(n *models.Node, _ []*models.Node) bool {
		if n.IsFolder() && n.ID == id {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("folder %q: %w", id, ErrNotFound)
	}
	return found, nil
}

// FindItem returns the file or folder with the given id and its parent.
// The root has no parent and is never matched.
func (l *Lookup) FindItem(ctx context.Context, id string) (Item, error) {
	root, err := l.cache.Snapshot(ctx)
	if err != nil {
		return Item{}, err
	}

	var item Item
	walk(root, nil, func(n *models.Node, trail []*models.Node) bool {
		if n.ID == id {
			item = Item{Node: n, Parent: trail[len(trail)-1]}
			return false
		}
		return true
	})
	if item.Node == nil {
		return Item{}, fmt.Errorf("item %q: %w", id, ErrNotFound)
	}
	return item, nil
}

// Breadcrumbs returns the trail from the root to the node with the given
// id, both ends included, root first.
func (l *Lookup) Breadcrumbs(ctx context.Context, id string) ([]models.Crumb, error) {
	root, err := l.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if id == models.RootID {
		return []models.Crumb{{ID: root.ID, Name: root.Name}}, nil
	}

	var crumbs []models.Crumb
	walk(root, nil, func(n *models.Node, trail []*models.Node) bool {
		if n.ID != id {
			return true
		}
		crumbs = make([]models.Crumb, 0, len(trail)+1)
		for _, a := range trail {
			crumbs = append(crumbs, models.Crumb{ID: a.ID, Name: a.Name})
		}
		crumbs = append(crumbs, models.Crumb{ID: n.ID, Name: n.Name})
		return false
	})
	if crumbs == nil {
		return nil, fmt.Errorf("breadcrumbs %q: %w", id, ErrNotFound)
	}
	return crumbs, nil
}

// PathFromFolderID decodes a folder id without consulting the snapshot.
func (l *Lookup) PathFromFolderID(id string) (string, error) {
	return DecodeFolderID(id)
}

// FolderByPath returns the folder at a relative path.
func (l *Lookup) FolderByPath(ctx context.Context, p string) (*models.Node, error) {
	clean, err := storage.Clean(p)
	if err != nil {
		return nil, fmt.Errorf("folder %q: %w", p, ErrInvalidInput)
	}
	return l.FindFolder(ctx, EncodeFolderID(clean))
}

// Files returns every file of the snapshot in pre-order.
func (l *Lookup) Files(ctx context.Context) ([]*models.Node, error) {
	root, err := l.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return collectFiles(root), nil
}

func collectFiles(root *models.Node) []*models.Node {
	var files []*models.Node
	walk(root, nil, func(n *models.Node, _ []*models.Node) bool {
		if n.IsFile() {
			files = append(files, n)
		}
		return true
	})
	return files
}

// RecentFiles returns up to limit files, newest modification first; ties
// are ordered by path. A limit <= 0 returns all files.
func (l *Lookup) RecentFiles(ctx context.Context, limit int) ([]*models.Node, error) {
	files, err := l.Files(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
