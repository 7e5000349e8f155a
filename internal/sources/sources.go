// Package sources manages the hash-to-URL sidecar stored at the Lake
// root. The file lives on the shared drive on purpose: every
// installation pointed at the same Lake sees the same sources. Rewrites
// are atomic (temp file + rename) and an absent file reads as empty.
package sources

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/modellake/lakesync/internal/relpath"
)

// SidecarName is the sidecar's filename under the Lake root. The leading
// dot keeps the scanner from indexing it.
const SidecarName = ".model_sources.json"

// RelPathKeyPrefix marks keys for files that have no hash yet.
const RelPathKeyPrefix = "relpath:"

// KeyForRelPath builds the fallback key for an unhashed file.
func KeyForRelPath(rp relpath.RelPath) string {
	return RelPathKeyPrefix + string(rp)
}

// Source is one recorded download location.
type Source struct {
	URL          string `json:"url"`
	AddedAt      string `json:"added_at"`
	Notes        string `json:"notes,omitempty"`
	FilenameHint string `json:"filename_hint,omitempty"`
}

// Entry pairs a key with its source for listings.
type Entry struct {
	Key string `json:"key"`
	Source
}

// Manager owns the sidecar file. All mutations rewrite the whole file
// under the manager's lock.
type Manager struct {
	path string

	mu sync.Mutex
}

// NewManager creates a manager for the sidecar under lakeRoot.
func NewManager(lakeRoot string) *Manager {
	return &Manager{path: filepath.Join(lakeRoot, SidecarName)}
}

// load reads the sidecar. A missing file is an empty map.
func (m *Manager) load() (map[string]Source, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Source{}, nil
		}
		return nil, fmt.Errorf("read sources sidecar: %w", err)
	}
	out := map[string]Source{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse sources sidecar: %w", err)
	}
	return out, nil
}

// save rewrites the sidecar atomically.
func (m *Manager) save(entries map[string]Source) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sources sidecar: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write sources sidecar: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace sources sidecar: %w", err)
	}
	return nil
}

// Get returns the source for a key, if recorded.
func (m *Manager) Get(key string) (Source, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	if err != nil {
		return Source{}, false, err
	}
	s, ok := entries[key]
	return s, ok, nil
}

// Set records (or replaces) the source for a key.
func (m *Manager) Set(key string, s Source) error {
	if s.AddedAt == "" {
		s.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	if err != nil {
		return err
	}
	entries[key] = s
	return m.save(entries)
}

// Delete removes a key. Removing an absent key is a no-op.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return m.save(entries)
}

// All returns every recorded source, sorted by key.
func (m *Manager) All() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(entries))
	for k, s := range entries {
		out = append(out, Entry{Key: k, Source: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
