package executor

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/diff"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

const (
	copyChunkSize = 1 << 20 // 1 MiB
	progressEvery = 250 * time.Millisecond
)

// partPath returns the staging name for a destination path.
func partPath(dst string) string { return dst + ".part" }

func removePart(path string) { _ = os.Remove(path) }

// runCopy streams the source file to <dst>.part, fsyncs, and atomically
// renames into place, hashing the bytes in flight. The destination mtime
// is set from the source so a later diff classifies probable_same or
// better.
func (e *Executor) runCopy(ctx context.Context, t *store.Task) error {
	unlock := e.keys.lock(t.DstSide, string(t.DstRelPath))
	defer unlock()

	srcAbs, err := relpath.Join(e.cfg.Root(t.SrcSide), t.SrcRelPath)
	if err != nil {
		return err
	}
	dstAbs, err := relpath.Join(e.cfg.Root(t.DstSide), t.DstRelPath)
	if err != nil {
		return err
	}

	// Refuse a confirmed conflict at the destination. probable_same and
	// unhashed entries proceed.
	if e.destConflicts(t) {
		return fmt.Errorf("copy %s to %s: %w", t.SrcRelPath, t.DstSide, fault.ErrConflictRefused)
	}

	src, err := os.Open(srcAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("copy %s: source: %w", t.SrcRelPath, fault.ErrNotFound)
		}
		return fmt.Errorf("copy %s: open source: %w", t.SrcRelPath, err)
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return fmt.Errorf("copy %s: stat source: %w", t.SrcRelPath, err)
	}
	total := srcInfo.Size()
	if !t.SizeBytes.Valid || t.SizeBytes.Int64 != total {
		_ = e.st.UpdateSize(t.ID, total)
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0755); err != nil {
		return fmt.Errorf("copy %s: create parent dir: %w", t.DstRelPath, err)
	}

	part := partPath(dstAbs)
	e.parts.register(part)
	defer func() {
		e.parts.deregister(part)
		removePart(part) // no-op after a successful rename
	}()

	dst, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("copy %s: create part file: %w", t.DstRelPath, err)
	}

	hash, copied, err := e.streamCopy(ctx, t, src, dst, total)
	if err != nil {
		dst.Close()
		return err
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		return fmt.Errorf("copy %s: fsync: %w", t.DstRelPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("copy %s: close part: %w", t.DstRelPath, err)
	}

	if err := os.Rename(part, dstAbs); err != nil {
		return fmt.Errorf("copy %s: rename into place: %w", t.DstRelPath, err)
	}

	// Preserve the source mtime on the destination.
	if err := os.Chtimes(dstAbs, time.Now(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("copy %s: set mtime: %w", t.DstRelPath, err)
	}

	dstInfo, err := os.Stat(dstAbs)
	if err != nil {
		return fmt.Errorf("copy %s: stat destination: %w", t.DstRelPath, err)
	}

	_ = e.st.UpdateProgress(t.ID, copied)

	// The streamed digest is authoritative for both sides: the bytes
	// written are the bytes read.
	srcMtime := srcInfo.ModTime().UnixNano()
	dstMtime := dstInfo.ModTime().UnixNano()
	if err := e.st.HashPut(t.SrcSide, t.SrcRelPath, total, srcMtime, hash); err != nil {
		return err
	}
	if err := e.st.HashPut(t.DstSide, t.DstRelPath, dstInfo.Size(), dstMtime, hash); err != nil {
		return err
	}
	e.idx.SetHash(t.SrcSide, t.SrcRelPath, hash)
	e.idx.Upsert(t.DstSide, index.Entry{
		RelPath: t.DstRelPath,
		Size:    dstInfo.Size(),
		MtimeNS: dstMtime,
		Hash:    hash,
	})

	slog.Info("copy complete",
		"relpath", string(t.DstRelPath),
		"src", string(t.SrcSide), "dst", string(t.DstSide),
		"size", humanize.IBytes(uint64(total)))
	return nil
}

// streamCopy pumps src into dst in chunks, hashing in flight and
// publishing progress. Cancellation is observed between chunks; the part
// file is removed by the caller's deferred cleanup.
func (e *Executor) streamCopy(ctx context.Context, t *store.Task, src *os.File, dst *os.File, total int64) (string, int64, error) {
	h := blake3.New()
	buf := make([]byte, copyChunkSize)
	var copied int64
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return "", copied, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return "", copied, fmt.Errorf("copy %s: write: %w", t.DstRelPath, err)
			}
			h.Write(buf[:n])
			copied += int64(n)

			if time.Since(lastProgress) >= progressEvery {
				lastProgress = time.Now()
				_ = e.st.UpdateProgress(t.ID, copied)
				e.publish(event.QueueProgress, progressPayload(t.ID, copied, total))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", copied, fmt.Errorf("copy %s: read: %w", t.SrcRelPath, readErr)
		}
	}

	e.publish(event.QueueProgress, progressPayload(t.ID, copied, total))
	return hex.EncodeToString(h.Sum(nil)), copied, nil
}

// destConflicts reports whether the destination diff status for the copy
// target is a confirmed conflict.
func (e *Executor) destConflicts(t *store.Task) bool {
	srcSnap := e.idx.Snapshot(t.SrcSide)
	dstSnap := e.idx.Snapshot(t.DstSide)

	srcEntry, srcOK := srcSnap.Get(t.SrcRelPath)
	dstEntry, dstOK := dstSnap.Get(t.DstRelPath)
	if !srcOK || !dstOK {
		return false
	}

	var local, lake *index.Entry
	if t.SrcSide == config.Local {
		local, lake = &srcEntry, &dstEntry
	} else {
		local, lake = &dstEntry, &srcEntry
	}
	return diff.Classify(t.DstRelPath, local, lake).Status == diff.Conflict
}

func progressPayload(taskID, transferred, total int64) map[string]any {
	pct := 100
	if total > 0 {
		pct = int(transferred * 100 / total)
	}
	return map[string]any{
		"task_id":           taskID,
		"bytes_transferred": transferred,
		"total_bytes":       total,
		"progress_pct":      pct,
	}
}
