package dedupe

import (
	"fmt"
	"os"

	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/queue"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

// Selection picks the file to keep in one group.
type Selection struct {
	GroupID     int64           `json:"group_id"`
	KeepRelPath relpath.RelPath `json:"keep_relpath"`
}

// SkippedGroup records a group the execute pass could not act on.
type SkippedGroup struct {
	GroupID int64  `json:"group_id"`
	Error   string `json:"error"`
}

// ExecuteResult summarizes an execute pass. Deleted counts the delete
// tasks enqueued; the queue carries them out.
type ExecuteResult struct {
	Deleted    int            `json:"deleted"`
	FreedBytes int64          `json:"freed_bytes"`
	Skipped    []SkippedGroup `json:"skipped"`
	TaskIDs    []int64        `json:"task_ids"`
}

// Execute enqueues deletion of every non-kept member of the selected
// groups. Groups whose files changed since the scan are skipped with a
// per-group error; the pass is best-effort. Dedupe deletions bypass the
// sync allow-delete policy.
func (e *Engine) Execute(q *queue.Queue, scanID string, selections []Selection) (ExecuteResult, error) {
	groups, err := e.st.Groups(scanID)
	if err != nil {
		return ExecuteResult{}, err
	}
	if len(groups) == 0 {
		return ExecuteResult{}, fmt.Errorf("dedupe execute: scan %s: %w", scanID, fault.ErrNotFound)
	}

	byID := make(map[int64]store.Group, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}

	var result ExecuteResult
	for _, sel := range selections {
		g, ok := byID[sel.GroupID]
		if !ok {
			result.Skipped = append(result.Skipped, SkippedGroup{
				GroupID: sel.GroupID,
				Error:   "group not in scan",
			})
			continue
		}

		if err := e.checkGroupFresh(g); err != nil {
			result.Skipped = append(result.Skipped, SkippedGroup{
				GroupID: g.ID,
				Error:   err.Error(),
			})
			continue
		}

		keepSeen := false
		for _, f := range g.Files {
			if f.RelPath == sel.KeepRelPath {
				keepSeen = true
				break
			}
		}
		if !keepSeen {
			result.Skipped = append(result.Skipped, SkippedGroup{
				GroupID: g.ID,
				Error:   fmt.Sprintf("keep target %s not in group", sel.KeepRelPath),
			})
			continue
		}

		for _, f := range g.Files {
			if f.RelPath == sel.KeepRelPath {
				continue
			}
			id, err := q.EnqueueDelete(g.Side, f.RelPath, true)
			if err != nil {
				result.Skipped = append(result.Skipped, SkippedGroup{
					GroupID: g.ID,
					Error:   err.Error(),
				})
				break
			}
			result.Deleted++
			result.FreedBytes += f.Size
			result.TaskIDs = append(result.TaskIDs, id)
		}
	}
	return result, nil
}

// checkGroupFresh verifies every member still matches the stat recorded
// at scan time.
func (e *Engine) checkGroupFresh(g store.Group) error {
	root := e.cfg.Root(g.Side)
	for _, f := range g.Files {
		abs, err := relpath.Join(root, f.RelPath)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("%s: %w", f.RelPath, fault.ErrDedupeStaleGroup)
		}
		if info.Size() != f.Size || info.ModTime().UnixNano() != f.MtimeNS {
			return fmt.Errorf("%s changed since scan: %w", f.RelPath, fault.ErrDedupeStaleGroup)
		}
	}
	return nil
}
