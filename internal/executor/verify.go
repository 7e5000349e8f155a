package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

// verifyTarget is one (side, relpath) pair to re-hash.
type verifyTarget struct {
	side config.Side
	rp   relpath.RelPath
	// prior is the digest the index held before the forced re-hash.
	prior string
}

// runVerify forces a re-hash over the task's scope: a single relpath, a
// folder, or everything. A digest differing from the cached one fails the
// task with a hash mismatch after the whole scope is processed.
func (e *Executor) runVerify(ctx context.Context, t *store.Task) error {
	targets := e.verifyTargets(t.Folder, t.SrcRelPath)

	total := int64(len(targets))
	_ = e.st.UpdateSize(t.ID, total)

	var mismatches []relpath.RelPath
	for i, tgt := range targets {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hash, err := e.hashes.HashFile(ctx, tgt.side, tgt.rp, true)
		switch {
		case errors.Is(err, fault.ErrNotFound):
			// Disappeared since indexing; the next refresh drops it.
			continue
		case err != nil:
			return fmt.Errorf("verify %s:%s: %w", tgt.side, tgt.rp, err)
		}

		if tgt.prior != "" && hash != tgt.prior {
			// The file's bytes no longer match the recorded digest.
			// Quarantine the bad copy rather than deleting it, and drop
			// its stale rows.
			if qErr := e.quarantine(tgt.side, tgt.rp); qErr != nil {
				return fmt.Errorf("verify %s:%s: %w", tgt.side, tgt.rp, qErr)
			}
			mismatches = append(mismatches, tgt.rp)
		}

		done := int64(i + 1)
		_ = e.st.UpdateProgress(t.ID, done)
		if t.Folder != "" {
			e.publish(event.VerifyProgress, map[string]any{
				"folder":  string(t.Folder),
				"current": done,
				"total":   total,
				"relpath": string(tgt.rp),
			})
		}
		e.publish(event.QueueProgress, progressPayload(t.ID, done, total))
	}

	if len(mismatches) > 0 {
		return fmt.Errorf("verify: %d file(s) changed digest, first %s: %w",
			len(mismatches), mismatches[0], fault.ErrHashMismatch)
	}
	return nil
}

// quarantine renames a file whose digest no longer matches the recorded
// one to <relpath>.badhash, invalidates its cache row, and removes its
// index entry.
func (e *Executor) quarantine(side config.Side, rp relpath.RelPath) error {
	abs, err := relpath.Join(e.cfg.Root(side), rp)
	if err != nil {
		return err
	}
	if err := os.Rename(abs, abs+".badhash"); err != nil {
		return fmt.Errorf("quarantine %s: %w", rp, err)
	}
	if err := e.st.HashInvalidate(side, rp); err != nil {
		return err
	}
	e.idx.Remove(side, rp)
	slog.Warn("digest mismatch, file quarantined",
		"side", string(side), "relpath", string(rp))
	return nil
}

// verifyTargets collects the files in scope from both side snapshots.
func (e *Executor) verifyTargets(folder, rp relpath.RelPath) []verifyTarget {
	var targets []verifyTarget
	for _, side := range config.Sides {
		snap := e.idx.Snapshot(side)
		if rp != "" {
			if entry, ok := snap.Get(rp); ok {
				targets = append(targets, verifyTarget{side: side, rp: rp, prior: entry.Hash})
			}
			continue
		}
		for _, entry := range snap.Under(folder) {
			targets = append(targets, verifyTarget{side: side, rp: entry.RelPath, prior: entry.Hash})
		}
	}
	return targets
}
