package api

import (
	"net/http"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/dedupe"
	"github.com/modellake/lakesync/internal/store"
)

type dedupeScanRequest struct {
	Side         string `json:"side"`
	Mode         string `json:"mode,omitempty"`
	MinSizeBytes int64  `json:"min_size_bytes,omitempty"`
}

func (s *Server) handleDedupeScan(w http.ResponseWriter, r *http.Request) {
	var req dedupeScanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	side, err := config.ParseSide(req.Side)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	switch req.Mode {
	case "":
		req.Mode = "full"
	case "fast", "full":
	default:
		badRequest(w, "unknown mode %q", req.Mode)
		return
	}
	if req.MinSizeBytes < 0 {
		badRequest(w, "min_size_bytes must be >= 0")
		return
	}

	id, err := s.deps.Queue.EnqueueDedupeScan(side, req.Mode, req.MinSizeBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "queued"})
}

// handleDedupeStatus reports whether a dedupe_scan task is pending or
// running, plus the latest finished scan.
func (s *Server) handleDedupeStatus(w http.ResponseWriter, _ *http.Request) {
	tasks, err := s.deps.Queue.Tasks()
	if err != nil {
		writeError(w, err)
		return
	}
	var active *taskView
	for _, t := range tasks {
		if t.Type == store.TaskDedupeScan && !t.Status.Terminal() {
			v := viewTask(t)
			active = &v
			break
		}
	}

	latest, err := s.deps.Store.LatestScan()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": active,
		"latest": latest,
	})
}

func (s *Server) handleDedupeLatest(w http.ResponseWriter, _ *http.Request) {
	latest, err := s.deps.Store.LatestScan()
	if err != nil {
		writeError(w, err)
		return
	}
	if latest == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no scans recorded"})
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleDedupeResults(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("id")
	groups, err := s.deps.Store.Groups(scanID)
	if err != nil {
		writeError(w, err)
		return
	}
	if groups == nil {
		groups = []store.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleDedupeClear(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearScan(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type dedupeExecuteRequest struct {
	ScanID     string             `json:"scan_id"`
	Selections []dedupe.Selection `json:"selections"`
}

func (s *Server) handleDedupeExecute(w http.ResponseWriter, r *http.Request) {
	var req dedupeExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ScanID == "" {
		badRequest(w, "scan_id is required")
		return
	}

	result, err := s.deps.Dedupe.Execute(s.deps.Queue, req.ScanID, req.Selections)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
