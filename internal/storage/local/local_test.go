package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
)

func newTestBackend(t *testing.T) (*LocalBackend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(Config{RootPath: dir})
	require.NoError(t, err)
	return b, dir
}

func readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	require.NoError(t, err)
	return string(data)
}

func TestNew_RootHandling(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	_, err := New(Config{RootPath: missing})
	require.Error(t, err, "missing root without CreateDirs")

	b, err := New(Config{RootPath: missing, CreateDirs: true})
	require.NoError(t, err)
	info, err := os.Stat(b.Root())
	require.NoError(t, err, "root not created")
	assert.True(t, info.IsDir())

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = New(Config{RootPath: file})
	assert.Error(t, err, "file root")

	_, err = New(Config{})
	assert.Error(t, err, "empty root")
}

func TestFullPath_RejectsTraversal(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	for _, name := range []string{"..", "../etc", "a/../../b", "a/./b", "a//b"} {
		_, err := b.Stat(ctx, name)
		assert.ErrorIs(t, err, storage.ErrOutsideRoot, name)
	}
}

func TestReadDirAndStat(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, os.Mkdir(filepath.Join(dir, "docs"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "b.txt"), []byte("hi"), 0644))

	names, err := b.ReadDir(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "docs"}, names)

	fi, err := b.Stat(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, fi.IsFile())
	assert.EqualValues(t, 5, fi.Size)
	assert.Equal(t, "a.txt", fi.Name)

	fi, err = b.Stat(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	_, err = b.Stat(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotExist)
	_, err = b.ReadDir(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestStat_SymlinkIsOther(t *testing.T) {
	b, dir := newTestBackend(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "real"), 0755))
	if err := os.Symlink(filepath.Join(dir, "real"), filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	fi, err := b.Stat(context.Background(), "link")
	require.NoError(t, err)
	assert.Equal(t, storage.KindOther, fi.Kind)
}

func TestExists(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0644))

	for name, want := range map[string]bool{"a.txt": true, "b.txt": false, "": true} {
		ok, err := b.Exists(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, want, ok, "Exists(%q)", name)
	}
}

func TestHidden(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()

	staged, err := b.Stage(ctx, "", strings.NewReader("x"), 0)
	require.NoError(t, err)
	defer staged.Discard()

	names, err := b.ReadDir(ctx, "")
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.True(t, b.Hidden(names[0]), "spool file %q", names[0])

	for _, name := range []string{"a.txt", ".filemanager", "filemanager-1.tmp", ".filemanager-1.tmp.txt"} {
		assert.False(t, b.Hidden(name), name)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, TempPattern))
	assert.Len(t, matches, 1)
}

func TestRename_NoReplace(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644))

	require.ErrorIs(t, b.Rename(ctx, "a.txt", "b.txt"), storage.ErrExist)
	assert.Equal(t, "b", readFile(t, filepath.Join(dir, "b.txt")), "target overwritten")

	require.NoError(t, b.Rename(ctx, "a.txt", "c.txt"))
	_, err := os.Stat(filepath.Join(dir, "c.txt"))
	assert.NoError(t, err, "renamed file missing")

	assert.ErrorIs(t, b.Rename(ctx, "a.txt", "d.txt"), storage.ErrNotExist)
}

func TestRemoveDir(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "full", "child"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), nil, 0644))

	assert.ErrorIs(t, b.RemoveDir(ctx, "full"), storage.ErrNotEmpty)
	_, err := os.Stat(filepath.Join(dir, "full"))
	assert.NoError(t, err, "non-empty dir removed")

	assert.NoError(t, b.RemoveDir(ctx, "empty"))
	assert.ErrorIs(t, b.RemoveDir(ctx, "empty"), storage.ErrNotExist)
	assert.ErrorIs(t, b.RemoveDir(ctx, "file"), storage.ErrNotDir)
	assert.Error(t, b.RemoveDir(ctx, ""), "root cannot be removed")
}

func TestRemoveFile(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))

	assert.Error(t, b.RemoveFile(ctx, "d"), "directories are not files")
	require.NoError(t, b.RemoveFile(ctx, "a.txt"))
	assert.ErrorIs(t, b.RemoveFile(ctx, "a.txt"), storage.ErrNotExist)
}

func TestStageCommit(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("old"), 0644))

	staged, err := b.Stage(ctx, "", strings.NewReader("new content"), 0)
	require.NoError(t, err)
	defer staged.Discard()

	assert.EqualValues(t, len("new content"), staged.Size())

	require.ErrorIs(t, staged.Commit(ctx, "a.txt"), storage.ErrExist)
	assert.Equal(t, "old", readFile(t, filepath.Join(dir, "a.txt")), "existing file overwritten")

	require.NoError(t, staged.Commit(ctx, "a(1).txt"))
	assert.Equal(t, "new content", readFile(t, filepath.Join(dir, "a(1).txt")))

	assert.NoError(t, staged.Discard(), "discard after commit")
	matches, _ := filepath.Glob(filepath.Join(dir, TempPattern))
	assert.Empty(t, matches, "temp files left behind")
}

func TestStage_TooLarge(t *testing.T) {
	b, dir := newTestBackend(t)

	_, err := b.Stage(context.Background(), "", strings.NewReader("0123456789"), 4)
	require.ErrorIs(t, err, storage.ErrTooLarge)
	matches, _ := filepath.Glob(filepath.Join(dir, TempPattern))
	assert.Empty(t, matches, "temp files left behind")
}

func TestOpen(t *testing.T) {
	b, dir := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))

	rc, err := b.Open(ctx, "a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = b.Open(ctx, "d")
	assert.Error(t, err, "directories cannot be opened")
}
