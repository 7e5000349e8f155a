package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

// Refresher walks a side's root and swaps in a fresh index snapshot,
// carrying cached hashes forward for files whose stat is unchanged.
type Refresher struct {
	Cfg   config.Config
	Index *Store
	Cache *store.Store
	Bus   *event.Bus
}

// scanProgressEvery bounds how often scan progress frames are published.
const scanProgressEvery = 250 * time.Millisecond

// Refresh scans one side and replaces its snapshot. Returns the number of
// files indexed. Failure to open the root is fatal; failure to stat an
// individual entry is logged and skipped.
func (r *Refresher) Refresh(ctx context.Context, side config.Side) (int, error) {
	root := r.Cfg.Root(side)

	entries, err := walkRoot(ctx, side, root, r.Bus)
	if err != nil {
		return 0, err
	}

	// Carry forward hashes whose stat coordinates still match.
	cached := make(map[relpath.RelPath]store.HashRow)
	if r.Cache != nil {
		rows, err := r.Cache.HashRows(side)
		if err != nil {
			return 0, fmt.Errorf("refresh %s: %w", side, err)
		}
		for _, row := range rows {
			cached[row.RelPath] = row
		}
	}
	for i := range entries {
		if row, ok := cached[entries[i].RelPath]; ok &&
			row.Size == entries[i].Size && row.MtimeNS == entries[i].MtimeNS {
			entries[i].Hash = row.Hash
		}
	}

	r.Index.Replace(side, entries)

	if r.Bus != nil {
		r.Bus.Publish(event.IndexRefreshed, map[string]any{
			"side":       string(side),
			"file_count": len(entries),
		})
	}
	return len(entries), nil
}

// walkRoot collects file records for every regular file under root.
// Symlinks are skipped; hidden dot entries at the root (the source-URL
// sidecar among them) are ignored.
func walkRoot(ctx context.Context, side config.Side, root string, bus *event.Bus) ([]Entry, error) {
	var entries []Entry
	lastProgress := time.Now()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("open root %s: %w", root, err)
			}
			slog.Warn("scan: skipping unreadable entry", "side", string(side), "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if path == root {
			return nil
		}

		// Hidden entries directly under the root are ignored.
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if !strings.Contains(rel, string(filepath.Separator)) && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			slog.Warn("scan: stat failed", "side", string(side), "path", path, "error", statErr)
			return nil
		}

		rp, rpErr := relpath.FromAbs(root, path)
		if rpErr != nil {
			slog.Warn("scan: bad relpath", "side", string(side), "path", path, "error", rpErr)
			return nil
		}

		entries = append(entries, Entry{
			RelPath: rp,
			Size:    info.Size(),
			MtimeNS: info.ModTime().UnixNano(),
		})

		if bus != nil && time.Since(lastProgress) >= scanProgressEvery {
			lastProgress = time.Now()
			bus.Publish(event.ScanProgress, map[string]any{
				"side":        string(side),
				"files_found": len(entries),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", side, err)
	}
	return entries, nil
}
