// Package mirror computes copy/delete/conflict plans between two folders
// on opposite sides. Planning is pure: two index snapshots in, a plan
// out. Execution enqueues ordinary tasks.
package mirror

import (
	"path"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/diff"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/queue"
	"github.com/modellake/lakesync/internal/relpath"
)

// Item is one planned operation.
type Item struct {
	// RelPath is the path relative to the folder being mirrored.
	RelPath relpath.RelPath `json:"relpath"`
	// SrcRelPath and DstRelPath are the root-relative paths.
	SrcRelPath relpath.RelPath `json:"src_relpath,omitempty"`
	DstRelPath relpath.RelPath `json:"dst_relpath"`
	Size       int64           `json:"size"`
}

// Request names the folders being mirrored.
type Request struct {
	SrcSide   config.Side     `json:"src_side"`
	SrcFolder relpath.RelPath `json:"src_folder"`
	DstSide   config.Side     `json:"dst_side"`
	DstFolder relpath.RelPath `json:"dst_folder"`
}

// Plan is the disjoint operation lists plus aggregate totals. When the
// destination side forbids sync deletes, extraneous files land in Extras
// instead of Deletes.
type Plan struct {
	Request   Request `json:"request"`
	Copies    []Item  `json:"copy"`
	Deletes   []Item  `json:"delete"`
	Extras    []Item  `json:"extras"`
	Conflicts []Item  `json:"conflicts"`

	TotalCopyBytes   int64 `json:"total_copy_bytes"`
	TotalDeleteBytes int64 `json:"total_delete_bytes"`
}

// Compute builds a mirror plan from the two snapshots. allowDelete is the
// destination side's sync delete policy.
func Compute(req Request, src, dst *index.Snapshot, allowDelete bool) Plan {
	if req.DstFolder == "" {
		req.DstFolder = req.SrcFolder
	}
	plan := Plan{Request: req}

	srcEntries := src.Under(req.SrcFolder)
	dstEntries := dst.Under(req.DstFolder)

	srcByRel := make(map[relpath.RelPath]index.Entry, len(srcEntries))
	for _, e := range srcEntries {
		srcByRel[trim(e.RelPath, req.SrcFolder)] = e
	}
	dstByRel := make(map[relpath.RelPath]index.Entry, len(dstEntries))
	for _, e := range dstEntries {
		dstByRel[trim(e.RelPath, req.DstFolder)] = e
	}

	for _, e := range srcEntries {
		rel := trim(e.RelPath, req.SrcFolder)
		dstRel := join(req.DstFolder, rel)

		d, onDst := dstByRel[rel]
		if !onDst {
			plan.Copies = append(plan.Copies, Item{
				RelPath:    rel,
				SrcRelPath: e.RelPath,
				DstRelPath: dstRel,
				Size:       e.Size,
			})
			plan.TotalCopyBytes += e.Size
			continue
		}
		if conflicts(req, e, d) {
			plan.Conflicts = append(plan.Conflicts, Item{
				RelPath:    rel,
				SrcRelPath: e.RelPath,
				DstRelPath: d.RelPath,
				Size:       e.Size,
			})
		}
	}

	for _, e := range dstEntries {
		rel := trim(e.RelPath, req.DstFolder)
		if _, onSrc := srcByRel[rel]; onSrc {
			continue
		}
		item := Item{RelPath: rel, DstRelPath: e.RelPath, Size: e.Size}
		if allowDelete {
			plan.Deletes = append(plan.Deletes, item)
			plan.TotalDeleteBytes += e.Size
		} else {
			plan.Extras = append(plan.Extras, item)
		}
	}

	return plan
}

// conflicts reports whether the pair's diff status is a confirmed
// conflict.
func conflicts(req Request, srcEntry, dstEntry index.Entry) bool {
	var local, lake *index.Entry
	if req.SrcSide == config.Local {
		local, lake = &srcEntry, &dstEntry
	} else {
		local, lake = &dstEntry, &srcEntry
	}
	return diff.Classify(srcEntry.RelPath, local, lake).Status == diff.Conflict
}

// Execute enqueues the plan's copies, then its deletes, skipping
// conflicts. Returns the enqueued task ids.
func Execute(q *queue.Queue, plan Plan, skipDeletes bool) ([]int64, error) {
	var ids []int64
	for _, item := range plan.Copies {
		id, err := q.EnqueueCopy(plan.Request.SrcSide, item.SrcRelPath, plan.Request.DstSide, item.DstRelPath)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	if !skipDeletes {
		for _, item := range plan.Deletes {
			id, err := q.EnqueueDelete(plan.Request.DstSide, item.DstRelPath, false)
			if err != nil {
				return ids, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func trim(rp, folder relpath.RelPath) relpath.RelPath {
	if folder == "" {
		return rp
	}
	return rp[len(folder)+1:]
}

func join(folder, rel relpath.RelPath) relpath.RelPath {
	if folder == "" {
		return rel
	}
	return relpath.RelPath(path.Join(string(folder), string(rel)))
}
