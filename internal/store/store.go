package store

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned by ReadOnce when no value exists at the path.
var ErrNotFound = errors.New("store: not found")

type EventKind string

const (
	Inserted EventKind = "inserted"
	Removed  EventKind = "removed"
	Changed  EventKind = "changed"
)

// Entry is one keyed value inside a collection. IDs assigned by NewID sort
// lexicographically in creation order, which is the only ordering the store
// guarantees.
type Entry struct {
	ID    string `json:"id"`
	Value []byte `json:"value"`
}

// Event is a single change pushed to a listener.
type Event struct {
	Kind  EventKind `json:"kind"`
	ID    string    `json:"id"`
	Value []byte    `json:"value,omitempty"`
}

// Subscription is a live listener on one collection. Events arrive on C
// until Cancel is called; Cancel is idempotent and closes C.
type Subscription struct {
	C      <-chan Event
	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Client is the keyed hierarchical store the feed layer runs against.
// Paths are slash-separated; the final segment of an entry path is its id
// and everything before it names the collection.
type Client interface {
	// Read returns the entries of the collection at path with id <= endAt
	// (every id when endAt is empty), ascending by id. When limit > 0 only
	// the `limit` greatest ids are returned.
	Read(ctx context.Context, path, endAt string, limit int) ([]Entry, error)

	// ReadOnce returns the value stored at an entry path, or ErrNotFound.
	ReadOnce(ctx context.Context, path string) ([]byte, error)

	// Write applies every update in one atomic multi-path operation. A nil
	// value deletes the entry and every collection nested under its path.
	Write(ctx context.Context, updates map[string][]byte) error

	// Listen subscribes to changes of the given kind on a collection. For
	// Inserted events only ids strictly greater than sinceID are delivered;
	// an empty sinceID delivers everything. Entries already past the bound
	// when Listen is called are replayed as Inserted events before live
	// ones, each exactly once. Delivery never drops events: the
	// subscription buffers until the consumer catches up.
	Listen(ctx context.Context, path string, kind EventKind, sinceID string) (*Subscription, error)

	// NewID returns a fresh id ordered after every id previously returned.
	NewID() string
}

func splitPath(path string) (collection, id string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func (e Event) matches(kind EventKind, sinceID string) bool {
	if e.Kind != kind {
		return false
	}
	if kind == Inserted && sinceID != "" && e.ID <= sinceID {
		return false
	}
	return true
}
