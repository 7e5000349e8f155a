package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/modellake/lakesync/internal/relpath"
)

// BundleItem is one member of a bundle, in bundle order.
type BundleItem struct {
	RelPath           relpath.RelPath `json:"relpath"`
	Hash              string          `json:"hash,omitempty"`
	SourceURLOverride string          `json:"source_url_override,omitempty"`
}

// Bundle is a named ordered set of items, stored independently of the
// indexes.
type Bundle struct {
	Name      string       `json:"name"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at,omitempty"`
	Items     []BundleItem `json:"items"`
}

// SaveBundle upserts a bundle and replaces its items. An existing
// bundle keeps its created_at; items take the order given.
func (s *Store) SaveBundle(b *Bundle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save bundle %s: %w", b.Name, err)
	}
	defer tx.Rollback()

	ts := now()
	if _, err := tx.Exec(
		`INSERT INTO bundles (name, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET updated_at = excluded.updated_at`,
		b.Name, ts, ts,
	); err != nil {
		return fmt.Errorf("save bundle %s: %w", b.Name, err)
	}

	if _, err := tx.Exec(`DELETE FROM bundle_items WHERE bundle_name = ?`, b.Name); err != nil {
		return fmt.Errorf("save bundle %s: clear items: %w", b.Name, err)
	}
	for i, item := range b.Items {
		if _, err := tx.Exec(
			`INSERT INTO bundle_items (bundle_name, position, relpath, hash, source_url_override)
			 VALUES (?, ?, ?, ?, ?)`,
			b.Name, i, string(item.RelPath), nullable(item.Hash), nullable(item.SourceURLOverride),
		); err != nil {
			return fmt.Errorf("save bundle %s item %s: %w", b.Name, item.RelPath, err)
		}
	}

	if err := tx.QueryRow(
		`SELECT created_at, updated_at FROM bundles WHERE name = ?`, b.Name,
	).Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("save bundle %s: %w", b.Name, err)
	}
	return tx.Commit()
}

// GetBundle fetches one bundle with its items in stored order, or nil
// when absent.
func (s *Store) GetBundle(name string) (*Bundle, error) {
	var b Bundle
	err := s.db.QueryRow(
		`SELECT name, created_at, updated_at FROM bundles WHERE name = ?`, name,
	).Scan(&b.Name, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", name, err)
	}

	rows, err := s.db.Query(
		`SELECT relpath, hash, source_url_override FROM bundle_items
		 WHERE bundle_name = ? ORDER BY position`, name,
	)
	if err != nil {
		return nil, fmt.Errorf("get bundle %s items: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var item BundleItem
		var rp string
		var hash, override sql.NullString
		if err := rows.Scan(&rp, &hash, &override); err != nil {
			return nil, fmt.Errorf("scan bundle %s item: %w", name, err)
		}
		item.RelPath = relpath.RelPath(rp)
		item.Hash = hash.String
		item.SourceURLOverride = override.String
		b.Items = append(b.Items, item)
	}
	return &b, rows.Err()
}

// DeleteBundle removes a bundle and, via cascade, its items. Returns
// false when no bundle had the name.
func (s *Store) DeleteBundle(name string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM bundles WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete bundle %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListBundles returns all bundle names, sorted.
func (s *Store) ListBundles() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM bundles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan bundle name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
