package vfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/storage/local"
)

// recordingFS counts calls and can fail listing of one directory.
type recordingFS struct {
	storage.FileSystem

	mu      sync.Mutex
	calls   int
	lists   map[string]int
	failDir string
	failErr error
}

func newRecordingFS(inner storage.FileSystem) *recordingFS {
	return &recordingFS{FileSystem: inner, lists: make(map[string]int)}
}

func (r *recordingFS) count() {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *recordingFS) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recordingFS) Lists(dir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists[dir]
}

func (r *recordingFS) FailList(dir string, err error) {
	r.mu.Lock()
	r.failDir, r.failErr = dir, err
	r.mu.Unlock()
}

func (r *recordingFS) ReadDir(ctx context.Context, dir string) ([]string, error) {
	r.mu.Lock()
	r.calls++
	r.lists[dir]++
	failDir, failErr := r.failDir, r.failErr
	r.mu.Unlock()
	if failErr != nil && dir == failDir {
		return nil, failErr
	}
	return r.FileSystem.ReadDir(ctx, dir)
}

func (r *recordingFS) Stat(ctx context.Context, name string) (storage.FileInfo, error) {
	r.count()
	return r.FileSystem.Stat(ctx, name)
}

func (r *recordingFS) Exists(ctx context.Context, name string) (bool, error) {
	r.count()
	return r.FileSystem.Exists(ctx, name)
}

func (r *recordingFS) MkdirAll(ctx context.Context, dir string) error {
	r.count()
	return r.FileSystem.MkdirAll(ctx, dir)
}

func (r *recordingFS) Rename(ctx context.Context, from, to string) error {
	r.count()
	return r.FileSystem.Rename(ctx, from, to)
}

func (r *recordingFS) RemoveDir(ctx context.Context, dir string) error {
	r.count()
	return r.FileSystem.RemoveDir(ctx, dir)
}

func (r *recordingFS) RemoveFile(ctx context.Context, name string) error {
	r.count()
	return r.FileSystem.RemoveFile(ctx, name)
}

func (r *recordingFS) Stage(ctx context.Context, dir string, rd io.Reader, limit int64) (storage.Staged, error) {
	r.count()
	return r.FileSystem.Stage(ctx, dir, rd, limit)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	dir     string
	fs      *recordingFS
	clock   *fakeClock
	cache   *Cache
	lookup  *Lookup
	manager *Manager
}

// newTestEnv wires the full stack over a temp directory. The cache TTL is
// long so that only invalidation can make changes visible.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	backend, err := local.New(local.Config{RootPath: dir})
	require.NoError(t, err)
	fs := newRecordingFS(backend)
	builder, err := NewBuilder(fs)
	require.NoError(t, err)
	clock := newFakeClock()
	cache := NewCache(builder, time.Hour, WithClock(clock.Now))
	lookup := NewLookup(cache)
	return &testEnv{
		dir:     dir,
		fs:      fs,
		clock:   clock,
		cache:   cache,
		lookup:  lookup,
		manager: NewManager(fs, lookup, cache),
	}
}

func (e *testEnv) mkdir(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(e.dir, filepath.FromSlash(rel)), 0755))
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(e.dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func (e *testEnv) exists(rel string) bool {
	_, err := os.Lstat(filepath.Join(e.dir, filepath.FromSlash(rel)))
	return err == nil
}

func (e *testEnv) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}
