package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
)

// HashRow is one cached digest with the stat coordinates it was computed
// against.
type HashRow struct {
	Side    config.Side
	RelPath relpath.RelPath
	Size    int64
	MtimeNS int64
	Hash    string
}

// HashGet returns the cached hash for (side, relpath) only when the stored
// size and mtime match the live file exactly; a stale row is ignored.
func (s *Store) HashGet(side config.Side, rp relpath.RelPath, size, mtimeNS int64) (string, bool, error) {
	var hash string
	err := s.db.QueryRow(
		`SELECT hash FROM hash_cache WHERE side = ? AND relpath = ? AND size = ? AND mtime_ns = ?`,
		string(side), string(rp), size, mtimeNS,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hash cache get %s:%s: %w", side, rp, err)
	}
	return hash, true, nil
}

// HashPut upserts a digest for (side, relpath).
func (s *Store) HashPut(side config.Side, rp relpath.RelPath, size, mtimeNS int64, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO hash_cache (side, relpath, size, mtime_ns, hash, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (side, relpath) DO UPDATE SET
		 size = excluded.size, mtime_ns = excluded.mtime_ns,
		 hash = excluded.hash, computed_at = excluded.computed_at`,
		string(side), string(rp), size, mtimeNS, hash, now(),
	)
	if err != nil {
		return fmt.Errorf("hash cache put %s:%s: %w", side, rp, err)
	}
	return nil
}

// HashInvalidate deletes the row for (side, relpath), if any.
func (s *Store) HashInvalidate(side config.Side, rp relpath.RelPath) error {
	if _, err := s.db.Exec(
		`DELETE FROM hash_cache WHERE side = ? AND relpath = ?`,
		string(side), string(rp),
	); err != nil {
		return fmt.Errorf("hash cache invalidate %s:%s: %w", side, rp, err)
	}
	return nil
}

// HashRows returns every cached row for a side, for bulk consumers like
// the dedupe scanner.
func (s *Store) HashRows(side config.Side) ([]HashRow, error) {
	rows, err := s.db.Query(
		`SELECT side, relpath, size, mtime_ns, hash FROM hash_cache WHERE side = ? ORDER BY relpath`,
		string(side),
	)
	if err != nil {
		return nil, fmt.Errorf("hash cache iterate %s: %w", side, err)
	}
	defer rows.Close()

	var out []HashRow
	for rows.Next() {
		var r HashRow
		var sideStr, rpStr string
		if err := rows.Scan(&sideStr, &rpStr, &r.Size, &r.MtimeNS, &r.Hash); err != nil {
			return nil, fmt.Errorf("hash cache scan row: %w", err)
		}
		r.Side = config.Side(sideStr)
		r.RelPath = relpath.RelPath(rpStr)
		out = append(out, r)
	}
	return out, rows.Err()
}
