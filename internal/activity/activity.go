// Package activity keeps a log of completed mutations for the activity feed.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/vfs"
)

// DefaultCapacity is the number of entries kept by a Memory store.
const DefaultCapacity = 500

// Entry is one logged mutation.
type Entry struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Kind      string    `json:"kind"`
	ItemID    string    `json:"itemId"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	OldPath   string    `json:"oldPath,omitempty"`
	Size      int64     `json:"size,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	At        time.Time `json:"at"`
}

// Store persists entries.
type Store interface {
	Add(ctx context.Context, e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Recorder turns mutations into entries. It implements vfs.Observer.
type Recorder struct {
	store Store
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// ObserveChange records c. Store failures are logged, never returned.
func (r *Recorder) ObserveChange(ctx context.Context, c vfs.Change) {
	e := Entry{
		ID:        uuid.NewString(),
		Op:        string(c.Op),
		Kind:      string(c.Type),
		ItemID:    c.ID,
		Name:      c.Name,
		Path:      c.Path,
		OldPath:   c.OldPath,
		Size:      c.Size,
		RequestID: logging.GetRequestID(ctx),
		At:        c.At,
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := r.store.Add(ctx, e); err != nil {
		logging.WithContext(ctx).Warn("record activity failed",
			zap.String("op", e.Op),
			zap.String("path", e.Path),
			zap.Error(err))
	}
}

// Recent returns up to limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return r.store.Recent(ctx, limit)
}

// Memory is a bounded in-process Store. The oldest entries are dropped
// once it is full.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewMemory creates a Memory holding up to capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{entries: make([]Entry, capacity)}
}

func (m *Memory) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out, nil
}
