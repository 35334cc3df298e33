// Package store is the per-session cache of last known good server state, one entry per resource path.
package store

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/astromechza/tablesync/pkg/room"
)

// Entry is an immutable snapshot of one cached resource. Data holds a room.Room, room.Setup or room.Table.
type Entry struct {
	Path      string
	Data      any
	Digest    string
	FetchedAt time.Time
	// Dirty counts pending local edits. A dirty entry is never overwritten by digest triggered fetches.
	Dirty int
	// Seq increases on every write and lets a fetch detect that the entry changed while it was in flight.
	Seq uint64
}

type Store struct {
	entries *xsync.MapOf[string, Entry]
	now     func() time.Time
}

func New() *Store {
	return &Store{
		entries: xsync.NewMapOf[string, Entry](),
		now:     time.Now,
	}
}

func (s *Store) Get(path string) (Entry, bool) {
	return s.entries.Load(path)
}

// Digests returns the digest tag of every cached entry.
func (s *Store) Digests() room.Digests {
	out := make(room.Digests, s.entries.Size())
	s.entries.Range(func(path string, e Entry) bool {
		out[path] = e.Digest
		return true
	})
	return out
}

func (s *Store) Paths() []string {
	out := make([]string, 0, s.entries.Size())
	s.entries.Range(func(path string, _ Entry) bool {
		out = append(out, path)
		return true
	})
	return out
}

// ApplyFetched replaces data and digest together with the result of a server fetch. seq is the entry sequence
// observed when the fetch started, 0 when the entry was absent. The write is refused when the entry is dirty or
// its sequence moved since then.
func (s *Store) ApplyFetched(path string, data any, digest string, seq uint64) bool {
	applied := false
	s.entries.Compute(path, func(old Entry, loaded bool) (Entry, bool) {
		if loaded && (old.Dirty > 0 || old.Seq != seq) {
			return old, false
		}
		applied = true
		return Entry{
			Path:      path,
			Data:      data,
			Digest:    digest,
			FetchedAt: s.now(),
			Seq:       old.Seq + 1,
		}, false
	})
	return applied
}

// Seq returns the current sequence of an entry, 0 when absent.
func (s *Store) Seq(path string) uint64 {
	e, _ := s.entries.Load(path)
	return e.Seq
}

// Seqs returns the current sequence of every entry.
func (s *Store) Seqs() map[string]uint64 {
	out := make(map[string]uint64, s.entries.Size())
	s.entries.Range(func(path string, e Entry) bool {
		out[path] = e.Seq
		return true
	})
	return out
}

// Evict removes a clean entry whose sequence is still seq, the value observed before the server listing was
// requested. Dirty entries stay until their pending edits resolve, and entries changed since then stay until the
// next listing.
func (s *Store) Evict(path string, seq uint64) bool {
	evicted := false
	s.entries.Compute(path, func(old Entry, loaded bool) (Entry, bool) {
		if !loaded {
			return old, true
		}
		if old.Dirty > 0 || old.Seq != seq {
			return old, false
		}
		evicted = true
		return old, true
	})
	return evicted
}

// Mutation changes the data of an entry. It receives the current data (nil when absent) and returns the new
// data, or an error to leave the entry untouched.
type Mutation func(current any) (any, error)

// BeginEdit applies an optimistic local change and marks the entry dirty.
func (s *Store) BeginEdit(path string, mutate Mutation) (Entry, error) {
	return s.edit(path, 1, nil, mutate)
}

// ConfirmEdit stores the canonical server value and clears one dirty mark. A non-empty digest is adopted as the
// new tag; an empty one clears the tag so the next poll refetches the resource.
func (s *Store) ConfirmEdit(path string, digest string, mutate Mutation) (Entry, error) {
	return s.edit(path, -1, &digest, mutate)
}

// AbortEdit clears one dirty mark. The data may still hold the rejected optimistic value, so the digest tag is
// cleared as well and the next poll refetches the resource.
func (s *Store) AbortEdit(path string) Entry {
	var out Entry
	s.entries.Compute(path, func(old Entry, loaded bool) (Entry, bool) {
		if !loaded {
			return old, true
		}
		if old.Dirty > 0 {
			old.Dirty--
		}
		old.Digest = ""
		old.Seq++
		out = old
		return old, false
	})
	return out
}

// MarkDirty flags an entry dirty without a data change, creating an empty entry when absent.
func (s *Store) MarkDirty(path string) Entry {
	e, _ := s.edit(path, 1, nil, func(current any) (any, error) {
		return current, nil
	})
	return e
}

func (s *Store) edit(path string, dirtyDelta int, digest *string, mutate Mutation) (Entry, error) {
	var out Entry
	var mutateErr error
	s.entries.Compute(path, func(old Entry, loaded bool) (Entry, bool) {
		data, err := mutate(old.Data)
		if err != nil {
			mutateErr = err
			return old, !loaded
		}
		next := old
		next.Path = path
		next.Data = data
		next.Seq = old.Seq + 1
		next.Dirty = max(0, old.Dirty+dirtyDelta)
		if digest != nil {
			next.Digest = *digest
			if *digest != "" {
				next.FetchedAt = s.now()
			}
		}
		out = next
		return next, false
	})
	return out, mutateErr
}

func (s *Store) Room() (room.Room, bool) {
	e, ok := s.Get(room.RoomPath)
	if !ok {
		return room.Room{}, false
	}
	r, ok := e.Data.(room.Room)
	return r.Clone(), ok
}

func (s *Store) Setup() (room.Setup, bool) {
	e, ok := s.Get(room.SetupPath)
	if !ok {
		return room.Setup{}, false
	}
	setup, ok := e.Data.(room.Setup)
	return setup, ok
}

// Table returns a copy of the cached pieces of table n. Tables that are not cached are empty.
func (s *Store) Table(n int) room.Table {
	e, ok := s.Get(room.TablePath(n))
	if !ok {
		return room.Table{}
	}
	t, _ := e.Data.(room.Table)
	return t.Clone()
}

func (s *Store) Clear() {
	s.entries.Clear()
}
