package vfs

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/models"
)

// DefaultTTL is how long a snapshot is served before the next read rebuilds it.
const DefaultTTL = 2 * time.Second

// Cache owns the current snapshot.
//
// Concurrent readers that miss share one build. Every Invalidate bumps a
// generation; a build only stores its result if no invalidation happened
// while it ran, and readers only join builds of the current generation.
// A read that begins after Invalidate returns therefore always sees disk
// state at least as new as the invalidating mutation.
type Cache struct {
	builder *Builder
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	snapshot *models.Node
	builtAt  time.Time
	gen      uint64

	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
	builds atomic.Uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty cache. A ttl <= 0 disables caching: every
// read rebuilds.
func NewCache(builder *Builder, ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		builder: builder,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheStats counts snapshot reads.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Builds uint64 `json:"builds"`
}

// Stats returns the counters since the cache was created.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Builds: c.builds.Load(),
	}
}

// Snapshot returns the cached tree while it is fresh and rebuilds it
// otherwise. The returned tree is shared and must not be modified. Build
// failures are returned as is (ErrDirectoryUnreadable) and leave the
// cache empty.
func (c *Cache) Snapshot(ctx context.Context) (*models.Node, error) {
	c.mu.Lock()
	if c.snapshot != nil && c.now().Sub(c.builtAt) < c.ttl {
		root := c.snapshot
		c.mu.Unlock()
		c.hits.Add(1)
		metrics.RecordCacheHit()
		return root, nil
	}
	gen := c.gen
	c.mu.Unlock()

	c.misses.Add(1)
	metrics.RecordCacheMiss()

	// The build is shared, so it must not die with the first caller's
	// request. Each caller still stops waiting when its own ctx is done.
	buildCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return c.rebuild(buildCtx, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Node), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) rebuild(ctx context.Context, gen uint64) (*models.Node, error) {
	c.builds.Add(1)
	started := c.now()
	wall := time.Now()

	root, err := c.builder.Build(ctx, "")
	if err != nil {
		metrics.RecordTreeBuild(time.Since(wall), 0, err)
		logging.WithContext(ctx).Warn("tree build failed", zap.Error(err))
		return nil, err
	}
	nodes := countNodes(root)
	metrics.RecordTreeBuild(time.Since(wall), nodes, nil)
	logging.WithContext(ctx).Debug("tree rebuilt",
		zap.Int("nodes", nodes),
		zap.Duration("duration", time.Since(wall)))

	c.mu.Lock()
	if c.gen == gen {
		c.snapshot = root
		c.builtAt = started
	}
	c.mu.Unlock()
	return root, nil
}

// Invalidate drops the snapshot. It is idempotent and never blocks on a
// running build.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.snapshot = nil
	c.builtAt = time.Time{}
	c.mu.Unlock()
	metrics.RecordCacheInvalidation()
}
