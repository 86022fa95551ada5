package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Client with the same semantics as Redis. It backs
// the server when no Redis address is configured and is the store used in
// tests.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string][]byte
	listeners   map[string]map[*memListener]struct{}
}

type memListener struct {
	kind    EventKind
	sinceID string
	q       *eventQueue
}

func NewMemory() *Memory {
	return &Memory{
		collections: map[string]map[string][]byte{},
		listeners:   map[string]map[*memListener]struct{}{},
	}
}

func (m *Memory) Read(_ context.Context, path, endAt string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collections[path]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		if endAt != "" && id > endAt {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		val := make([]byte, len(coll[id]))
		copy(val, coll[id])
		entries = append(entries, Entry{ID: id, Value: val})
	}
	return entries, nil
}

func (m *Memory) ReadOnce(_ context.Context, path string) ([]byte, error) {
	coll, id := splitPath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.collections[coll][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (m *Memory) Write(_ context.Context, updates map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []struct {
		coll string
		ev   Event
	}

	for path, val := range updates {
		coll, id := splitPath(path)
		if val == nil {
			if _, ok := m.collections[coll][id]; ok {
				delete(m.collections[coll], id)
				if len(m.collections[coll]) == 0 {
					delete(m.collections, coll)
				}
				events = append(events, struct {
					coll string
					ev   Event
				}{coll, Event{Kind: Removed, ID: id}})
			}
			// Drop every collection nested under the deleted path.
			prefix := path + "/"
			for name := range m.collections {
				if name == path || strings.HasPrefix(name, prefix) {
					delete(m.collections, name)
				}
			}
			continue
		}

		kind := Inserted
		if _, ok := m.collections[coll][id]; ok {
			kind = Changed
		}
		if m.collections[coll] == nil {
			m.collections[coll] = map[string][]byte{}
		}
		stored := make([]byte, len(val))
		copy(stored, val)
		m.collections[coll][id] = stored
		events = append(events, struct {
			coll string
			ev   Event
		}{coll, Event{Kind: kind, ID: id, Value: stored}})
	}

	for _, e := range events {
		for l := range m.listeners[e.coll] {
			if !e.ev.matches(l.kind, l.sinceID) {
				continue
			}
			l.q.push(e.ev)
		}
	}
	return nil
}

// Listen first replays the entries already past sinceID as Inserted events,
// then streams live changes. Registration and the replay snapshot happen
// under the same lock hold, so no write can fall between them.
func (m *Memory) Listen(_ context.Context, path string, kind EventKind, sinceID string) (*Subscription, error) {
	l := &memListener{kind: kind, sinceID: sinceID, q: newEventQueue()}

	m.mu.Lock()
	if kind == Inserted {
		coll := m.collections[path]
		ids := make([]string, 0, len(coll))
		for id := range coll {
			if sinceID != "" && id <= sinceID {
				continue
			}
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			val := make([]byte, len(coll[id]))
			copy(val, coll[id])
			l.q.push(Event{Kind: Inserted, ID: id, Value: val})
			l.sinceID = id
		}
	}
	if m.listeners[path] == nil {
		m.listeners[path] = map[*memListener]struct{}{}
	}
	m.listeners[path][l] = struct{}{}
	m.mu.Unlock()

	sub := &Subscription{C: l.q.out}
	sub.cancel = func() {
		m.mu.Lock()
		if set, ok := m.listeners[path]; ok {
			delete(set, l)
			if len(set) == 0 {
				delete(m.listeners, path)
			}
		}
		m.mu.Unlock()
		l.q.close()
	}
	return sub, nil
}

func (m *Memory) NewID() string {
	return pushID()
}
