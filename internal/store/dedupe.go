package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
)

// ScanSummary describes one persisted dedupe scan.
type ScanSummary struct {
	ScanID           string      `json:"scan_id"`
	Side             config.Side `json:"side"`
	Mode             string      `json:"mode"`
	CreatedAt        string      `json:"created_at"`
	TotalFiles       int64       `json:"total_files"`
	DuplicateGroups  int64       `json:"duplicate_groups"`
	DuplicateFiles   int64       `json:"duplicate_files"`
	ReclaimableBytes int64       `json:"reclaimable_bytes"`
}

// GroupFile is one member of a duplicate group.
type GroupFile struct {
	RelPath relpath.RelPath `json:"relpath"`
	Size    int64           `json:"size"`
	MtimeNS int64           `json:"mtime_ns"`
	Keep    bool            `json:"keep"`
}

// Group is a set of files on one side sharing a digest.
type Group struct {
	ID    int64       `json:"id"`
	Side  config.Side `json:"side"`
	Hash  string      `json:"hash"`
	Files []GroupFile `json:"files"`
}

// InsertScan records a scan's summary row.
func (s *Store) InsertScan(sum ScanSummary) error {
	if _, err := s.db.Exec(
		`INSERT INTO dedupe_scans (scan_id, side, mode, created_at, total_files,
			duplicate_groups, duplicate_files, reclaimable_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ScanID, string(sum.Side), sum.Mode, now(),
		sum.TotalFiles, sum.DuplicateGroups, sum.DuplicateFiles, sum.ReclaimableBytes,
	); err != nil {
		return fmt.Errorf("insert scan %s: %w", sum.ScanID, err)
	}
	return nil
}

// InsertGroup records one duplicate group and its members. The first file
// is marked keep by default.
func (s *Store) InsertGroup(scanID string, side config.Side, hash string, files []GroupFile) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO dedupe_groups (scan_id, side, hash, created_at) VALUES (?, ?, ?, ?)`,
		scanID, string(side), hash, now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert group for scan %s: %w", scanID, err)
	}
	groupID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert group id: %w", err)
	}

	for i, f := range files {
		keep := f.Keep || i == 0
		if _, err := s.db.Exec(
			`INSERT INTO dedupe_files (group_id, relpath, size, mtime_ns, keep) VALUES (?, ?, ?, ?, ?)`,
			groupID, string(f.RelPath), f.Size, f.MtimeNS, boolToInt(keep),
		); err != nil {
			return 0, fmt.Errorf("insert group %d file %s: %w", groupID, f.RelPath, err)
		}
	}
	return groupID, nil
}

// Groups returns all duplicate groups recorded for a scan, members sorted
// by relpath.
func (s *Store) Groups(scanID string) ([]Group, error) {
	rows, err := s.db.Query(
		`SELECT id, side, hash FROM dedupe_groups WHERE scan_id = ? ORDER BY id`, scanID,
	)
	if err != nil {
		return nil, fmt.Errorf("groups for scan %s: %w", scanID, err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		var side string
		if err := rows.Scan(&g.ID, &side, &g.Hash); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		g.Side = config.Side(side)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		files, err := s.groupFiles(groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Files = files
	}
	return groups, nil
}

func (s *Store) groupFiles(groupID int64) ([]GroupFile, error) {
	rows, err := s.db.Query(
		`SELECT relpath, size, mtime_ns, keep FROM dedupe_files WHERE group_id = ? ORDER BY relpath`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("files for group %d: %w", groupID, err)
	}
	defer rows.Close()

	var files []GroupFile
	for rows.Next() {
		var f GroupFile
		var rp string
		var keep int
		if err := rows.Scan(&rp, &f.Size, &f.MtimeNS, &keep); err != nil {
			return nil, fmt.Errorf("scan group file row: %w", err)
		}
		f.RelPath = relpath.RelPath(rp)
		f.Keep = keep != 0
		files = append(files, f)
	}
	return files, rows.Err()
}

// ScanByID fetches a scan summary.
func (s *Store) ScanByID(scanID string) (*ScanSummary, error) {
	return s.scanSummary(
		`SELECT scan_id, side, mode, created_at, total_files, duplicate_groups,
			duplicate_files, reclaimable_bytes
		 FROM dedupe_scans WHERE scan_id = ?`, scanID)
}

// LatestScan fetches the most recent scan summary, or nil when no scan
// has run.
func (s *Store) LatestScan() (*ScanSummary, error) {
	return s.scanSummary(
		`SELECT scan_id, side, mode, created_at, total_files, duplicate_groups,
			duplicate_files, reclaimable_bytes
		 FROM dedupe_scans ORDER BY created_at DESC LIMIT 1`)
}

func (s *Store) scanSummary(query string, args ...any) (*ScanSummary, error) {
	var sum ScanSummary
	var side string
	err := s.db.QueryRow(query, args...).Scan(
		&sum.ScanID, &side, &sum.Mode, &sum.CreatedAt,
		&sum.TotalFiles, &sum.DuplicateGroups, &sum.DuplicateFiles, &sum.ReclaimableBytes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary: %w", err)
	}
	sum.Side = config.Side(side)
	return &sum, nil
}

// ClearScan removes a scan and, via cascade, its groups and files.
func (s *Store) ClearScan(scanID string) error {
	if _, err := s.db.Exec(`DELETE FROM dedupe_scans WHERE scan_id = ?`, scanID); err != nil {
		return fmt.Errorf("clear scan %s: %w", scanID, err)
	}
	return nil
}
