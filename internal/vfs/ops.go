package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/models"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// Op names a mutation.
type Op string

const (
	OpCreateFolder Op = "create_folder"
	OpUploadFile   Op = "upload_file"
	OpRenameFolder Op = "rename_folder"
	OpRenameFile   Op = "rename_file"
	OpDeleteFolder Op = "delete_folder"
	OpDeleteFile   Op = "delete_file"
)

// Change describes a completed mutation.
type Change struct {
	Op      Op              `json:"op"`
	Type    models.NodeType `json:"type"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Path    string          `json:"path"`
	OldID   string          `json:"oldId,omitempty"`
	OldPath string          `json:"oldPath,omitempty"`
	Size    int64           `json:"size,omitempty"`
	At      time.Time       `json:"at"`
}

// Observer is told about every successful mutation, after the cache has
// been invalidated. Observers must not block; their failures are their own.
type Observer interface {
	ObserveChange(ctx context.Context, c Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, c Change)

func (f ObserverFunc) ObserveChange(ctx context.Context, c Change) { f(ctx, c) }

// maxAutoRename bounds the "(n)" suffix search of uploads.
const maxAutoRename = 10000

// Manager performs disk mutations addressed by identifier.
type Manager struct {
	fs        storage.FileSystem
	lookup    *Lookup
	cache     *Cache
	observers []Observer
	now       func() time.Time
}

// NewManager creates a Manager. The cache must be the one lookup reads from.
func NewManager(fs storage.FileSystem, lookup *Lookup, cache *Cache, observers ...Observer) *Manager {
	return &Manager{
		fs:        fs,
		lookup:    lookup,
		cache:     cache,
		observers: observers,
		now:       time.Now,
	}
}

// Observe registers another observer. Not safe to call concurrently with mutations.
func (m *Manager) Observe(o Observer) {
	m.observers = append(m.observers, o)
}

// SanitizeName reduces an untrusted name to its final path segment.
// Both "/" and "\" count as separators. Empty results, "." and ".." are
// rejected with ErrInvalidInput.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimRight(name, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("name: %w", ErrInvalidInput)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("name contains NUL: %w", ErrInvalidInput)
	}
	return name, nil
}

// numberedName returns "stem(n).ext" for n > 0. Dot files without a
// further extension are treated as all stem.
func numberedName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return fmt.Sprintf("%s(%d)%s", stem, n, ext)
}

// finish records the outcome of op. The cache is invalidated when the disk
// may have changed: on success, and on unexpected failures part way.
func (m *Manager) finish(ctx context.Context, op Op, diskTouched bool, err error, change Change) error {
	kind := Classify(err)
	metrics.RecordMutation(string(op), kind.String())
	if diskTouched && (err == nil || kind == KindIO) {
		m.cache.Invalidate()
	}

	log := logging.WithContext(ctx)
	if err != nil {
		if kind == KindIO {
			log.Error("mutation failed", zap.String("op", string(op)), zap.Error(err))
		} else {
			log.Debug("mutation rejected", zap.String("op", string(op)), zap.Error(err))
		}
		return err
	}

	change.Op = op
	change.At = m.now()
	log.Info("mutation applied",
		zap.String("op", string(op)),
		zap.String("path", change.Path),
		zap.String("old_path", change.OldPath))
	for _, o := range m.observers {
		o.ObserveChange(ctx, change)
	}
	return nil
}

func rejected(op Op, err error) error {
	metrics.RecordMutation(string(op), Classify(err).String())
	return err
}

// CreateFolder creates a sub-folder of parentID.
func (m *Manager) CreateFolder(ctx context.Context, parentID, name string) (*models.Node, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return nil, rejected(OpCreateFolder, err)
	}
	parent, err := m.lookup.FindFolder(ctx, parentID)
	if err != nil {
		return nil, rejected(OpCreateFolder, err)
	}

	target := storage.Join(parent.Path, name)
	exists, err := m.fs.Exists(ctx, target)
	if err != nil {
		return nil, rejected(OpCreateFolder, osError("create folder", err))
	}
	if exists {
		return nil, rejected(OpCreateFolder, fmt.Errorf("folder %q: %w", target, ErrConflict))
	}

	err = osError("create folder", m.fs.MkdirAll(ctx, target))
	node := &models.Node{
		ID:       EncodeFolderID(target),
		Name:     name,
		Type:     models.TypeFolder,
		Path:     target,
		ModTime:  m.now(),
		Children: []*models.Node{},
	}
	if err := m.finish(ctx, OpCreateFolder, true, err, changeFor(node, "", "")); err != nil {
		return nil, err
	}
	return node, nil
}

// CreateFile stores the content of r in parentID under name. If the name
// is taken, "(1)", "(2)", ... is inserted before the extension until a
// free name is found; existing entries are never overwritten. A limit > 0
// caps the content size (storage.ErrTooLarge, an InvalidInput).
func (m *Manager) CreateFile(ctx context.Context, parentID, name string, r io.Reader, limit int64) (*models.Node, error) {
	name, err := SanitizeName(name)
	if err != nil {
		return nil, rejected(OpUploadFile, err)
	}
	parent, err := m.lookup.FindFolder(ctx, parentID)
	if err != nil {
		return nil, rejected(OpUploadFile, err)
	}
	if err := m.fs.MkdirAll(ctx, parent.Path); err != nil {
		return nil, rejected(OpUploadFile, osError("upload", err))
	}

	staged, err := m.fs.Stage(ctx, parent.Path, r, limit)
	if err != nil {
		return nil, rejected(OpUploadFile, osError("upload", err))
	}
	defer staged.Discard()

	var final string
	for n := 0; n < maxAutoRename; n++ {
		candidate := numberedName(name, n)
		target := storage.Join(parent.Path, candidate)
		err = staged.Commit(ctx, target)
		if err == nil {
			final = candidate
			break
		}
		if !errors.Is(err, storage.ErrExist) {
			break
		}
	}
	if final == "" {
		return nil, m.finish(ctx, OpUploadFile, false, osError("upload", err), Change{})
	}

	target := storage.Join(parent.Path, final)
	node := &models.Node{
		ID:      EncodeFileID(target),
		Name:    final,
		Type:    models.TypeFile,
		Path:    target,
		Size:    staged.Size(),
		ModTime: m.now(),
	}
	metrics.RecordUpload(staged.Size())
	if err := m.finish(ctx, OpUploadFile, true, nil, changeFor(node, "", "")); err != nil {
		return nil, err
	}
	return node, nil
}

// folderPath decodes a folder id. Folders the tree leaves out are not found
// even though they exist on disk.
func (m *Manager) folderPath(id string) (string, error) {
	p, err := m.lookup.PathFromFolderID(id)
	if err != nil {
		return "", err
	}
	if m.cache.builder.Hidden(p) {
		return "", fmt.Errorf("folder %q: %w", p, ErrNotFound)
	}
	return p, nil
}

// RenameFolder renames a folder in place. The root cannot be renamed.
// Renaming to the current name succeeds without touching the disk.
func (m *Manager) RenameFolder(ctx context.Context, id, newName string) (*models.Node, error) {
	if id == models.RootID {
		return nil, rejected(OpRenameFolder, ErrRootProtected)
	}
	newName, err := SanitizeName(newName)
	if err != nil {
		return nil, rejected(OpRenameFolder, err)
	}
	oldPath, err := m.folderPath(id)
	if err != nil {
		return nil, rejected(OpRenameFolder, err)
	}
	info, err := m.fs.Stat(ctx, oldPath)
	if err != nil {
		return nil, rejected(OpRenameFolder, osError("rename folder", err))
	}
	if !info.IsDir() {
		return nil, rejected(OpRenameFolder, fmt.Errorf("folder %q: %w", oldPath, ErrNotFound))
	}

	dir, oldName := storage.Split(oldPath)
	newPath := storage.Join(dir, newName)
	node := &models.Node{
		ID:      EncodeFolderID(newPath),
		Name:    newName,
		Type:    models.TypeFolder,
		Path:    newPath,
		ModTime: info.ModTime,
	}
	if newName == oldName {
		metrics.RecordMutation(string(OpRenameFolder), KindNone.String())
		return node, nil
	}

	err = osError("rename folder", m.fs.Rename(ctx, oldPath, newPath))
	if err := m.finish(ctx, OpRenameFolder, true, err, changeFor(node, id, oldPath)); err != nil {
		return nil, err
	}
	return node, nil
}

// RenameFile renames a file in place. Renaming to the current name
// succeeds without touching the disk.
func (m *Manager) RenameFile(ctx context.Context, id, newName string) (*models.Node, error) {
	item, err := m.lookup.FindItem(ctx, id)
	if err != nil {
		return nil, rejected(OpRenameFile, err)
	}
	if !item.Node.IsFile() {
		return nil, rejected(OpRenameFile, fmt.Errorf("file %q: %w", id, ErrNotFound))
	}
	newName, err = SanitizeName(newName)
	if err != nil {
		return nil, rejected(OpRenameFile, err)
	}

	oldPath := item.Node.Path
	newPath := storage.Join(item.Parent.Path, newName)
	node := &models.Node{
		ID:      EncodeFileID(newPath),
		Name:    newName,
		Type:    models.TypeFile,
		Path:    newPath,
		Size:    item.Node.Size,
		ModTime: item.Node.ModTime,
	}
	if newName == item.Node.Name {
		metrics.RecordMutation(string(OpRenameFile), KindNone.String())
		return node, nil
	}

	err = osError("rename file", m.fs.Rename(ctx, oldPath, newPath))
	if err := m.finish(ctx, OpRenameFile, true, err, changeFor(node, id, oldPath)); err != nil {
		return nil, err
	}
	return node, nil
}

// DeleteFolder removes an empty folder. The root cannot be deleted.
func (m *Manager) DeleteFolder(ctx context.Context, id string) error {
	if id == models.RootID {
		return rejected(OpDeleteFolder, ErrRootProtected)
	}
	p, err := m.folderPath(id)
	if err != nil {
		return rejected(OpDeleteFolder, err)
	}
	info, err := m.fs.Stat(ctx, p)
	if err != nil {
		return rejected(OpDeleteFolder, osError("delete folder", err))
	}
	if !info.IsDir() {
		return rejected(OpDeleteFolder, fmt.Errorf("folder %q: %w", p, ErrNotFound))
	}

	err = osError("delete folder", m.fs.RemoveDir(ctx, p))
	_, name := storage.Split(p)
	return m.finish(ctx, OpDeleteFolder, true, err, Change{
		Type: models.TypeFolder,
		ID:   id,
		Name: name,
		Path: p,
	})
}

// DeleteFile unlinks a file.
func (m *Manager) DeleteFile(ctx context.Context, id string) error {
	item, err := m.lookup.FindItem(ctx, id)
	if err != nil {
		return rejected(OpDeleteFile, err)
	}
	if !item.Node.IsFile() {
		return rejected(OpDeleteFile, fmt.Errorf("file %q: %w", id, ErrNotFound))
	}

	err = osError("delete file", m.fs.RemoveFile(ctx, item.Node.Path))
	return m.finish(ctx, OpDeleteFile, true, err, changeFor(item.Node, "", ""))
}

func changeFor(n *models.Node, oldID, oldPath string) Change {
	return Change{
		Type:    n.Type,
		ID:      n.ID,
		Name:    n.Name,
		Path:    n.Path,
		OldID:   oldID,
		OldPath: oldPath,
		Size:    n.Size,
	}
}
