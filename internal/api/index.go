package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/diff"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/relpath"
)

type refreshRequest struct {
	Side string `json:"side"`
}

// handleIndexRefresh kicks off a rescan of one or both sides. The scan
// runs in the background; completion is announced on the event bus.
func (s *Server) handleIndexRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var sides []config.Side
	switch req.Side {
	case "", "both":
		sides = config.Sides
	default:
		side, err := config.ParseSide(req.Side)
		if err != nil {
			badRequest(w, "%v", err)
			return
		}
		sides = []config.Side{side}
	}

	for _, side := range sides {
		go func(side config.Side) {
			if _, err := s.deps.Refresher.Refresh(context.Background(), side); err != nil {
				slog.Error("index refresh failed", "side", string(side), "error", err)
			}
		}(side)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) handleIndexDiff(w http.ResponseWriter, r *http.Request) {
	opts := diff.Options{Query: r.URL.Query().Get("query")}
	if folder := r.URL.Query().Get("folder"); folder != "" {
		rp, err := relpath.Clean(folder)
		if err != nil {
			writeError(w, err)
			return
		}
		opts.Folder = rp
	}

	entries := diff.Compute(
		s.deps.Index.Snapshot(config.Local),
		s.deps.Index.Snapshot(config.Lake),
		opts,
	)
	if entries == nil {
		entries = []diff.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleIndexFiles(w http.ResponseWriter, r *http.Request) {
	side, err := config.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}

	var folder relpath.RelPath
	if f := r.URL.Query().Get("folder"); f != "" {
		if folder, err = relpath.Clean(f); err != nil {
			writeError(w, err)
			return
		}
	}
	query := r.URL.Query().Get("query")

	snap := s.deps.Index.Snapshot(side)
	files := []index.Entry{}
	for _, e := range snap.Under(folder) {
		if query != "" && !containsFold(string(e.RelPath), query) {
			continue
		}
		files = append(files, e)
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleIndexFolders(w http.ResponseWriter, r *http.Request) {
	side, err := config.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	var parent relpath.RelPath
	if p := r.URL.Query().Get("parent"); p != "" {
		if parent, err = relpath.Clean(p); err != nil {
			writeError(w, err)
			return
		}
	}
	folders := s.deps.Index.Snapshot(side).Folders(parent)
	writeJSON(w, http.StatusOK, map[string][]string{"folders": folders})
}

func (s *Server) handleIndexStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]index.Stats{
		"local": s.deps.Index.Snapshot(config.Local).Stats(),
		"lake":  s.deps.Index.Snapshot(config.Lake).Stats(),
	})
}

func (s *Server) handleIndexConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Cfg
	writeJSON(w, http.StatusOK, map[string]any{
		"local_root":         cfg.LocalRoot,
		"lake_root":          cfg.LakeRoot,
		"local_allow_delete": cfg.LocalAllowDelete,
		"lake_allow_delete":  cfg.LakeAllowDelete,
		"queue_concurrency":  cfg.QueueConcurrency,
		"queue_retry_count":  cfg.QueueRetryCount,
		"hash_algo":          cfg.HashAlgo,
		"hash_workers":       cfg.HashWorkers,
	})
}

func (s *Server) handleHashFile(w http.ResponseWriter, r *http.Request) {
	side, err := config.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	rp, err := relpath.Clean(r.URL.Query().Get("relpath"))
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.deps.Queue.EnqueueHashFile(side, rp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "queued"})
}

type verifyRequest struct {
	Folder  string `json:"folder,omitempty"`
	RelPath string `json:"relpath,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var folder, rp relpath.RelPath
	var err error
	if req.Folder != "" {
		if folder, err = relpath.Clean(req.Folder); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.RelPath != "" {
		if rp, err = relpath.Clean(req.RelPath); err != nil {
			writeError(w, err)
			return
		}
	}

	id, err := s.deps.Queue.EnqueueVerify(folder, rp)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "queued"})
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
