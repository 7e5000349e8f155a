// Package diff joins the two side indexes by relpath and classifies each
// entry.
package diff

import (
	"sort"
	"strings"

	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/relpath"
)

// Status labels a joined entry.
type Status string

const (
	OnlyLocal    Status = "only_local"
	OnlyLake     Status = "only_lake"
	Same         Status = "same"
	ProbableSame Status = "probable_same"
	Conflict     Status = "conflict"
)

// Entry is the per-relpath join of the two indexes.
type Entry struct {
	RelPath      relpath.RelPath `json:"relpath"`
	Status       Status          `json:"status"`
	LocalSize    *int64          `json:"local_size,omitempty"`
	LocalMtimeNS *int64          `json:"local_mtime_ns,omitempty"`
	LocalHash    string          `json:"local_hash,omitempty"`
	LakeSize     *int64          `json:"lake_size,omitempty"`
	LakeMtimeNS  *int64          `json:"lake_mtime_ns,omitempty"`
	LakeHash     string          `json:"lake_hash,omitempty"`
}

// Options narrows a diff to a folder prefix and/or a substring query.
type Options struct {
	Folder relpath.RelPath
	Query  string
}

// Compute joins the two snapshots and classifies every relpath present on
// either side. Results are ordered by relpath.
func Compute(local, lake *index.Snapshot, opts Options) []Entry {
	paths := make(map[relpath.RelPath]struct{}, local.Len()+lake.Len())
	for _, e := range local.All() {
		paths[e.RelPath] = struct{}{}
	}
	for _, e := range lake.All() {
		paths[e.RelPath] = struct{}{}
	}

	sorted := make([]relpath.RelPath, 0, len(paths))
	for rp := range paths {
		if opts.Folder != "" && !rp.IsUnder(opts.Folder) {
			continue
		}
		if opts.Query != "" && !strings.Contains(strings.ToLower(string(rp)), strings.ToLower(opts.Query)) {
			continue
		}
		sorted = append(sorted, rp)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]Entry, 0, len(sorted))
	for _, rp := range sorted {
		l, hasLocal := local.Get(rp)
		k, hasLake := lake.Get(rp)
		out = append(out, classify(rp, l, hasLocal, k, hasLake))
	}
	return out
}

// Classify computes the status for a single relpath from optional side
// entries.
func Classify(rp relpath.RelPath, local *index.Entry, lake *index.Entry) Entry {
	var l, k index.Entry
	if local != nil {
		l = *local
	}
	if lake != nil {
		k = *lake
	}
	return classify(rp, l, local != nil, k, lake != nil)
}

func classify(rp relpath.RelPath, l index.Entry, hasLocal bool, k index.Entry, hasLake bool) Entry {
	e := Entry{RelPath: rp}
	if hasLocal {
		e.LocalSize = ptr(l.Size)
		e.LocalMtimeNS = ptr(l.MtimeNS)
		e.LocalHash = l.Hash
	}
	if hasLake {
		e.LakeSize = ptr(k.Size)
		e.LakeMtimeNS = ptr(k.MtimeNS)
		e.LakeHash = k.Hash
	}

	switch {
	case hasLocal && !hasLake:
		e.Status = OnlyLocal
	case hasLake && !hasLocal:
		e.Status = OnlyLake
	case l.Hash != "" && k.Hash != "":
		if l.Hash == k.Hash {
			e.Status = Same
		} else {
			e.Status = Conflict
		}
	case l.Size != k.Size:
		e.Status = Conflict
	default:
		// Hashes incomplete, sizes equal: candidate for upgrade by verify.
		e.Status = ProbableSame
	}
	return e
}

func ptr(v int64) *int64 { return &v }
