package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/activity"
	"github.com/fruitsalade/filemanager/internal/activity/postgres"
	"github.com/fruitsalade/filemanager/internal/api"
	"github.com/fruitsalade/filemanager/internal/config"
	"github.com/fruitsalade/filemanager/internal/events"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/storage/factory"
	"github.com/fruitsalade/filemanager/internal/vfs"
)

// app holds the wired components of a running server.
type app struct {
	fs          storage.FileSystem
	cache       *vfs.Cache
	lookup      *vfs.Lookup
	manager     *vfs.Manager
	broadcaster *events.Broadcaster
	recorder    *activity.Recorder
	closers     []func() error
}

// openCore wires storage and the tree core. The tree and id commands
// stop here; serve goes on with newApp.
func openCore(ctx context.Context, cfg *config.Config) (*app, error) {
	backendType, raw, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	fs, err := factory.NewFromConfig(ctx, backendType, raw)
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	a := &app{fs: fs, closers: []func() error{fs.Close}}

	builder, err := vfs.NewBuilder(fs, cfg.Exclude...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache = vfs.NewCache(builder, cfg.CacheTTL.Duration)
	a.lookup = vfs.NewLookup(a.cache)
	a.manager = vfs.NewManager(fs, a.lookup, a.cache)
	return a, nil
}

// newApp wires everything serve needs: the core, the event broadcaster
// and the activity log.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := openCore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var store activity.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("activity database: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("activity migrations: %w", err)
		}
		store = pg
		logging.Info("activity log in PostgreSQL")
	} else {
		store = activity.NewMemory(cfg.ActivityCapacity)
		logging.Info("activity log in memory", zap.Int("capacity", cfg.ActivityCapacity))
	}

	a.broadcaster = events.NewBroadcaster()
	a.recorder = activity.NewRecorder(store)
	a.manager.Observe(a.broadcaster)
	a.manager.Observe(a.recorder)
	return a, nil
}

func (a *app) server(cfg *config.Config) *api.Server {
	return api.NewServer(api.Config{
		FS:            a.fs,
		Lookup:        a.lookup,
		Manager:       a.manager,
		Broadcaster:   a.broadcaster,
		Activity:      a.recorder,
		MaxUploadSize: cfg.MaxUploadSize,
		RecentLimit:   cfg.RecentLimit,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warn("close failed", zap.Error(err))
		}
	}
}
