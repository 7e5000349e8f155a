package api

import (
	"net/http"
	"strconv"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

type copyRequest struct {
	SrcSide    string `json:"src_side"`
	SrcRelPath string `json:"src_relpath"`
	DstSide    string `json:"dst_side"`
	DstRelPath string `json:"dst_relpath,omitempty"`
}

func (s *Server) handleQueueCopy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	srcSide, err := config.ParseSide(req.SrcSide)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	dstSide, err := config.ParseSide(req.DstSide)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	srcRel, err := relpath.Clean(req.SrcRelPath)
	if err != nil {
		writeError(w, err)
		return
	}
	var dstRel relpath.RelPath
	if req.DstRelPath != "" {
		if dstRel, err = relpath.Clean(req.DstRelPath); err != nil {
			writeError(w, err)
			return
		}
	}

	id, err := s.deps.Queue.EnqueueCopy(srcSide, srcRel, dstSide, dstRel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "queued"})
}

type deleteRequest struct {
	Side    string `json:"side"`
	RelPath string `json:"relpath"`
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	side, err := config.ParseSide(req.Side)
	if err != nil {
		badRequest(w, "%v", err)
		return
	}
	rp, err := relpath.Clean(req.RelPath)
	if err != nil {
		writeError(w, err)
		return
	}

	id, err := s.deps.Queue.EnqueueDelete(side, rp, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "queued"})
}

func (s *Server) handleQueueTasks(w http.ResponseWriter, _ *http.Request) {
	tasks, err := s.deps.Queue.Tasks()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]taskView, len(tasks))
	for i, t := range tasks {
		out[i] = viewTask(t)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, _ *http.Request) {
	s.deps.Queue.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, _ *http.Request) {
	s.deps.Queue.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid task id %q", r.PathValue("id"))
		return
	}
	status, err := s.deps.Queue.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleQueueCancelAll(w http.ResponseWriter, _ *http.Request) {
	n, err := s.deps.Queue.CancelAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "count": n})
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid task id %q", r.PathValue("id"))
		return
	}
	ok, err := s.deps.Queue.Remove(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found or not pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// taskView is the JSON projection of one queue row.
type taskView struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	SrcSide      string `json:"src_side,omitempty"`
	SrcRelPath   string `json:"src_relpath,omitempty"`
	DstSide      string `json:"dst_side,omitempty"`
	DstRelPath   string `json:"dst_relpath,omitempty"`
	Folder       string `json:"folder,omitempty"`
	Mode         string `json:"mode,omitempty"`
	SizeBytes    *int64 `json:"size_bytes,omitempty"`
	Transferred  int64  `json:"bytes_transferred"`
	ErrorMessage string `json:"error,omitempty"`
	RetryCount   int    `json:"retry_count"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

func viewTask(t *store.Task) taskView {
	v := taskView{
		ID:           t.ID,
		Type:         string(t.Type),
		Status:       string(t.Status),
		SrcSide:      string(t.SrcSide),
		SrcRelPath:   string(t.SrcRelPath),
		DstSide:      string(t.DstSide),
		DstRelPath:   string(t.DstRelPath),
		Folder:       string(t.Folder),
		Mode:         t.Mode,
		Transferred:  t.Transferred,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
	}
	if t.SizeBytes.Valid {
		size := t.SizeBytes.Int64
		v.SizeBytes = &size
	}
	return v
}
