// Package postgres stores the activity log in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/activity"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Store is a PostgreSQL activity store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool to databaseURL.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs the embedded SQL migrations in name order. They are
// written to be re-runnable.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Add inserts an entry.
func (s *Store) Add(ctx context.Context, e activity.Entry) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("activity_add", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (id, op, kind, item_id, name, path, old_path, size, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Op, e.Kind, e.ItemID, e.Name, e.Path, e.OldPath, e.Size, e.RequestID, e.At)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A limit <= 0 means 100.
func (s *Store) Recent(ctx context.Context, limit int) ([]activity.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("activity_recent", time.Since(start)) }()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, kind, item_id, name, path, old_path, size, request_id, created_at
		 FROM activity_log ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var entries []activity.Entry
	for rows.Next() {
		var e activity.Entry
		if err := rows.Scan(&e.ID, &e.Op, &e.Kind, &e.ItemID, &e.Name, &e.Path,
			&e.OldPath, &e.Size, &e.RequestID, &e.At); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
