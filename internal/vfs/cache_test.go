package vfs

import (
	"context"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
)

func hasChild(t *testing.T, c *Cache, name string) bool {
	t.Helper()
	root, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	for _, ch := range root.Children {
		if ch.Name == name {
			return true
		}
	}
	return false
}

func TestCache_ServesWithinTTL(t *testing.T) {
	env := newTestEnv(t)
	builder, _ := NewBuilder(env.fs)
	c := NewCache(builder, 2*time.Second, WithClock(env.clock.Now))

	first, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	env.write(t, "late.txt", "x")

	env.clock.Advance(time.Second)
	second, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second, "snapshot rebuilt within TTL")
	assert.False(t, hasChild(t, c, "late.txt"), "fresh cache should not see external change")

	env.clock.Advance(time.Second)
	assert.True(t, hasChild(t, c, "late.txt"), "expired cache should rebuild")

	st := c.Stats()
	assert.EqualValues(t, 2, st.Builds)
	assert.EqualValues(t, 2, st.Misses)
	assert.EqualValues(t, 2, st.Hits)
}

func TestCache_InvalidateIsImmediate(t *testing.T) {
	env := newTestEnv(t)
	require.False(t, hasChild(t, env.cache, "new"))
	env.mkdir(t, "new")
	env.cache.Invalidate()
	env.cache.Invalidate()
	assert.True(t, hasChild(t, env.cache, "new"), "snapshot after Invalidate is stale")
}

func TestCache_ZeroTTLAlwaysRebuilds(t *testing.T) {
	env := newTestEnv(t)
	builder, _ := NewBuilder(env.fs)
	c := NewCache(builder, 0)
	for i := 0; i < 3; i++ {
		_, err := c.Snapshot(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, c.Stats().Builds)
}

func TestCache_BuildFailureLeavesEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.fs.FailList("", fs.ErrPermission)

	_, err := env.cache.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrDirectoryUnreadable)

	env.fs.FailList("", nil)
	_, err = env.cache.Snapshot(context.Background())
	require.NoError(t, err, "snapshot after recovery")
	assert.EqualValues(t, 2, env.cache.Stats().Builds)
}

// gatedFS blocks the first root listing until released.
type gatedFS struct {
	storage.FileSystem
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedFS(inner storage.FileSystem) *gatedFS {
	return &gatedFS{
		FileSystem: inner,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedFS) ReadDir(ctx context.Context, dir string) ([]string, error) {
	if dir == "" {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.FileSystem.ReadDir(ctx, dir)
}

func TestCache_InvalidateDuringBuildDiscardsResult(t *testing.T) {
	env := newTestEnv(t)
	gate := newGatedFS(env.fs)
	builder, _ := NewBuilder(gate)
	c := NewCache(builder, time.Hour, WithClock(env.clock.Now))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Snapshot(context.Background())
	}()

	<-gate.entered
	c.Invalidate()
	close(gate.release)
	<-done

	// The build that raced with Invalidate must not have been stored.
	_, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Stats().Builds)
}

func TestCache_ConcurrentReadersShareBuild(t *testing.T) {
	env := newTestEnv(t)
	gate := newGatedFS(env.fs)
	builder, _ := NewBuilder(gate)
	c := NewCache(builder, time.Hour, WithClock(env.clock.Now))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Snapshot(context.Background())
	}()
	<-gate.entered

	const readers = 8
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Snapshot(context.Background())
			assert.NoError(t, err)
		}()
	}
	// Readers that arrive after the build finishes hit the cache; readers
	// that arrive during it join it. Either way there is one build.
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	assert.EqualValues(t, 1, c.Stats().Builds)
}

func TestCache_WaiterHonoursContext(t *testing.T) {
	env := newTestEnv(t)
	gate := newGatedFS(env.fs)
	builder, _ := NewBuilder(gate)
	c := NewCache(builder, time.Hour)

	go c.Snapshot(context.Background())
	<-gate.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	close(gate.release)
}
