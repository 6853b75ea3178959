// Package events fans tree changes out to SSE subscribers.
package events

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/vfs"
)

const (
	EventCreate = "create"
	EventRename = "rename"
	EventDelete = "delete"
)

// subscriberBuffer is the per-subscriber queue; events beyond it are dropped.
const subscriberBuffer = 64

// Event is a change as seen by a browser.
type Event struct {
	Type      string `json:"type"`
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	OldID     string `json:"oldId,omitempty"`
	OldPath   string `json:"oldPath,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// FromChange converts a mutation into an event.
func FromChange(c vfs.Change) Event {
	e := Event{
		Kind:    string(c.Type),
		ID:      c.ID,
		Name:    c.Name,
		Path:    c.Path,
		OldID:   c.OldID,
		OldPath: c.OldPath,
		Size:    c.Size,
	}
	switch c.Op {
	case vfs.OpCreateFolder, vfs.OpUploadFile:
		e.Type = EventCreate
	case vfs.OpRenameFolder, vfs.OpRenameFile:
		e.Type = EventRename
	case vfs.OpDeleteFolder, vfs.OpDeleteFile:
		e.Type = EventDelete
	default:
		e.Type = string(c.Op)
	}
	if !c.At.IsZero() {
		e.Timestamp = c.At.Unix()
	}
	return e
}

// Subscription is one subscriber's event stream.
type Subscription struct {
	id uint64
	C  <-chan Event
}

// Broadcaster manages SSE subscribers and publishes events.
// Subscriber channels are never closed; a subscriber stops by
// unsubscribing and abandoning its channel.
type Broadcaster struct {
	nextID      atomic.Uint64
	subscribers *xsync.Map[uint64, chan Event]
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: xsync.NewMap[uint64, chan Event](),
	}
}

// Subscribe adds a new subscriber. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() Subscription {
	ch := make(chan Event, subscriberBuffer)
	id := b.nextID.Add(1)
	b.subscribers.Store(id, ch)
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return Subscription{id: id, C: ch}
}

// Unsubscribe removes a subscriber.
func (b *Broadcaster) Unsubscribe(s Subscription) {
	b.subscribers.Delete(s.id)
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.subscribers.Range(func(_ uint64, ch chan Event) bool {
		select {
		case ch <- event:
		default:
		}
		return true
	})
	metrics.RecordSSEEvent(event.Type)
}

// ObserveChange publishes a completed mutation.
func (b *Broadcaster) ObserveChange(_ context.Context, c vfs.Change) {
	b.Publish(FromChange(c))
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	return b.subscribers.Size()
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
