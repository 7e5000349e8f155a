// Package dedupe finds byte-identical files on one side and drives the
// deletion of non-kept group members. Fast mode screens candidates by
// size and a first-block xxhash before paying for full BLAKE3 digests.
package dedupe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/hashwork"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

// screenBlockSize is how much of each candidate fast mode reads for the
// xxhash screen.
const screenBlockSize = 64 * 1024

// Engine runs duplicate scans and executes deletions.
type Engine struct {
	cfg    config.Config
	st     *store.Store
	idx    *index.Store
	hashes *hashwork.Pool
}

// NewEngine wires a dedupe engine.
func NewEngine(cfg config.Config, st *store.Store, idx *index.Store, hashes *hashwork.Pool) *Engine {
	return &Engine{cfg: cfg, st: st, idx: idx, hashes: hashes}
}

// RunScan executes a dedupe_scan task: candidate selection, hashing
// through the cache, grouping, and persistence under a fresh scan id.
func (e *Engine) RunScan(ctx context.Context, side config.Side, mode string, minSizeBytes int64) (store.ScanSummary, error) {
	snap := e.idx.Snapshot(side)

	var files []index.Entry
	for _, f := range snap.All() {
		if f.Size >= minSizeBytes {
			files = append(files, f)
		}
	}

	candidates := files
	if mode == "fast" {
		candidates = e.screen(ctx, side, files)
	}

	// Full digests, served from the cache where the stat still matches.
	byHash := make(map[string][]index.Entry)
	for _, f := range candidates {
		select {
		case <-ctx.Done():
			return store.ScanSummary{}, ctx.Err()
		default:
		}
		hash, err := e.hashes.HashFile(ctx, side, f.RelPath, false)
		if err != nil {
			if fault.IsNotExist(err) {
				continue
			}
			return store.ScanSummary{}, fmt.Errorf("dedupe scan %s: %w", f.RelPath, err)
		}
		byHash[hash] = append(byHash[hash], f)
	}

	hashes := make([]string, 0, len(byHash))
	for h, members := range byHash {
		if len(members) >= 2 {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)

	sum := store.ScanSummary{
		ScanID: uuid.New().String(),
		Side:   side,
		Mode:   mode,
	}
	groupsByHash := make(map[string][]store.GroupFile, len(hashes))
	for _, h := range hashes {
		members := byHash[h]
		sort.Slice(members, func(i, j int) bool { return members[i].RelPath < members[j].RelPath })

		groupFiles := make([]store.GroupFile, len(members))
		for i, m := range members {
			groupFiles[i] = store.GroupFile{RelPath: m.RelPath, Size: m.Size, MtimeNS: m.MtimeNS}
			sum.TotalFiles++
			if i > 0 {
				sum.ReclaimableBytes += m.Size
				sum.DuplicateFiles++
			}
		}
		groupsByHash[h] = groupFiles
		sum.DuplicateGroups++
	}

	// The scan row goes in first: group rows reference it.
	if err := e.st.InsertScan(sum); err != nil {
		return store.ScanSummary{}, err
	}
	for _, h := range hashes {
		if _, err := e.st.InsertGroup(sum.ScanID, side, h, groupsByHash[h]); err != nil {
			return store.ScanSummary{}, err
		}
	}

	slog.Info("dedupe scan complete",
		"side", string(side), "scan_id", sum.ScanID,
		"groups", sum.DuplicateGroups,
		"reclaimable", humanize.IBytes(uint64(sum.ReclaimableBytes)))
	return sum, nil
}

// screen narrows candidates to files whose size group and first-block
// xxhash group both have at least two members. Files it cannot read stay
// candidates; the full hash pass will surface real errors.
func (e *Engine) screen(ctx context.Context, side config.Side, files []index.Entry) []index.Entry {
	bySize := make(map[int64][]index.Entry)
	for _, f := range files {
		bySize[f.Size] = append(bySize[f.Size], f)
	}

	type blockKey struct {
		size int64
		sum  uint64
	}
	byBlock := make(map[blockKey][]index.Entry)
	for size, group := range bySize {
		if len(group) < 2 {
			continue
		}
		for _, f := range group {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			sum, err := e.firstBlockSum(side, f.RelPath)
			if err != nil {
				byBlock[blockKey{size, 0}] = append(byBlock[blockKey{size, 0}], f)
				continue
			}
			byBlock[blockKey{size, sum}] = append(byBlock[blockKey{size, sum}], f)
		}
	}

	var out []index.Entry
	for _, group := range byBlock {
		if len(group) >= 2 {
			out = append(out, group...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

func (e *Engine) firstBlockSum(side config.Side, rp relpath.RelPath) (uint64, error) {
	abs, err := relpath.Join(e.cfg.Root(side), rp)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, screenBlockSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, err
	}
	return xxhash.Sum64(buf[:n]), nil
}
