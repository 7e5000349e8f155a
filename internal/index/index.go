// Package index maintains the per-side file indexes. Each side owns an
// immutable snapshot that is atomically swapped on refresh; readers hold a
// consistent view for as long as they keep the pointer.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
)

// Entry is one live file on a side.
type Entry struct {
	RelPath relpath.RelPath `json:"relpath"`
	Size    int64           `json:"size"`
	MtimeNS int64           `json:"mtime_ns"`
	Hash    string          `json:"hash,omitempty"`
}

// Snapshot is an immutable view of one side's index, ordered by relpath.
type Snapshot struct {
	entries []Entry
	byPath  map[relpath.RelPath]int
}

// newSnapshot builds a snapshot from entries, sorting by relpath.
func newSnapshot(entries []Entry) *Snapshot {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	byPath := make(map[relpath.RelPath]int, len(sorted))
	for i, e := range sorted {
		byPath[e.RelPath] = i
	}
	return &Snapshot{entries: sorted, byPath: byPath}
}

// Get returns the entry for rp, if present.
func (s *Snapshot) Get(rp relpath.RelPath) (Entry, bool) {
	i, ok := s.byPath[rp]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// All returns the entries in relpath order. Callers must not mutate the
// returned slice.
func (s *Snapshot) All() []Entry { return s.entries }

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Under returns the entries inside folder, in relpath order. An empty
// folder returns everything.
func (s *Snapshot) Under(folder relpath.RelPath) []Entry {
	if folder == "" {
		return s.entries
	}
	var out []Entry
	for _, e := range s.entries {
		if e.RelPath.IsUnder(folder) {
			out = append(out, e)
		}
	}
	return out
}

// Folders returns the immediate subfolder names under parent, sorted.
func (s *Snapshot) Folders(parent relpath.RelPath) []string {
	seen := make(map[string]struct{})
	for _, e := range s.entries {
		if parent != "" && !e.RelPath.IsUnder(parent) {
			continue
		}
		suffix := string(e.RelPath)
		if parent != "" {
			suffix = suffix[len(parent)+1:]
		}
		if i := strings.IndexByte(suffix, '/'); i >= 0 {
			seen[suffix[:i]] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats summarizes one side for the API.
type Stats struct {
	FileCount   int64 `json:"file_count"`
	TotalBytes  int64 `json:"total_bytes"`
	HashedCount int64 `json:"hashed_count"`
}

// Stats computes the side summary for this snapshot.
func (s *Snapshot) Stats() Stats {
	var st Stats
	for _, e := range s.entries {
		st.FileCount++
		st.TotalBytes += e.Size
		if e.Hash != "" {
			st.HashedCount++
		}
	}
	return st
}

// Store holds the current snapshot per side and publishes replacements
// atomically.
type Store struct {
	mu    sync.RWMutex
	snaps map[config.Side]*Snapshot
}

// NewStore creates a store with empty snapshots for both sides.
func NewStore() *Store {
	return &Store{snaps: map[config.Side]*Snapshot{
		config.Local: newSnapshot(nil),
		config.Lake:  newSnapshot(nil),
	}}
}

// Snapshot returns the current immutable snapshot for a side.
func (st *Store) Snapshot(side config.Side) *Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snaps[side]
}

// Replace swaps in a freshly scanned entry set for a side.
func (st *Store) Replace(side config.Side, entries []Entry) {
	snap := newSnapshot(entries)
	st.mu.Lock()
	st.snaps[side] = snap
	st.mu.Unlock()
}

// SetHash publishes a new snapshot with the hash recorded on one entry.
// A no-op if the relpath is not indexed.
func (st *Store) SetHash(side config.Side, rp relpath.RelPath, hash string) {
	st.mutate(side, func(entries []Entry) []Entry {
		for i := range entries {
			if entries[i].RelPath == rp {
				entries[i].Hash = hash
				break
			}
		}
		return entries
	})
}

// Upsert publishes a new snapshot with e added or replaced. Used by the
// executor for its optimistic post-copy update.
func (st *Store) Upsert(side config.Side, e Entry) {
	st.mutate(side, func(entries []Entry) []Entry {
		for i := range entries {
			if entries[i].RelPath == e.RelPath {
				entries[i] = e
				return entries
			}
		}
		return append(entries, e)
	})
}

// Remove publishes a new snapshot without rp.
func (st *Store) Remove(side config.Side, rp relpath.RelPath) {
	st.mutate(side, func(entries []Entry) []Entry {
		for i := range entries {
			if entries[i].RelPath == rp {
				return append(entries[:i], entries[i+1:]...)
			}
		}
		return entries
	})
}

func (st *Store) mutate(side config.Side, fn func([]Entry) []Entry) {
	st.mu.Lock()
	defer st.mu.Unlock()
	old := st.snaps[side]
	entries := make([]Entry, len(old.entries))
	copy(entries, old.entries)
	st.snaps[side] = newSnapshot(fn(entries))
}
