// Package bundle manages named ordered sets of relpaths, independent of
// the indexes. Bundle rows live in the engine database; external
// provisioning flows reference bundles by name.
package bundle

import (
	"fmt"
	"regexp"

	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/store"
)

// nameRe constrains bundle names to safe reference tokens.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]{0,127}$`)

// Store validates and persists bundles through the engine database.
type Store struct {
	st *store.Store
}

// NewStore creates a bundle store over the database.
func NewStore(st *store.Store) *Store {
	return &Store{st: st}
}

// Save writes a bundle, replacing its items. An existing bundle keeps
// its created_at.
func (s *Store) Save(b *store.Bundle) error {
	if !nameRe.MatchString(b.Name) {
		return fmt.Errorf("invalid bundle name %q", b.Name)
	}
	return s.st.SaveBundle(b)
}

// Get loads one bundle by name.
func (s *Store) Get(name string) (*store.Bundle, error) {
	b, err := s.st.GetBundle(name)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("bundle %s: %w", name, fault.ErrNotFound)
	}
	return b, nil
}

// Delete removes a bundle and its items.
func (s *Store) Delete(name string) error {
	ok, err := s.st.DeleteBundle(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bundle %s: %w", name, fault.ErrNotFound)
	}
	return nil
}

// List returns all bundle names, sorted.
func (s *Store) List() ([]string, error) {
	return s.st.ListBundles()
}

// ItemStatus reports where one bundle item currently lives.
type ItemStatus struct {
	store.BundleItem
	OnLocal bool `json:"on_local"`
	OnLake  bool `json:"on_lake"`
}

// Resolve checks every item against the current snapshots.
func Resolve(b *store.Bundle, local, lake *index.Snapshot) []ItemStatus {
	out := make([]ItemStatus, len(b.Items))
	for i, item := range b.Items {
		_, onLocal := local.Get(item.RelPath)
		_, onLake := lake.Get(item.RelPath)
		out[i] = ItemStatus{BundleItem: item, OnLocal: onLocal, OnLake: onLake}
	}
	return out
}
