package api

import (
	"net/http"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/sources"
)

func (s *Server) handleSourcesList(w http.ResponseWriter, _ *http.Request) {
	all, err := s.deps.Sources.All()
	if err != nil {
		writeError(w, err)
		return
	}
	if all == nil {
		all = []sources.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": all})
}

type sourcePutRequest struct {
	URL          string `json:"url"`
	Notes        string `json:"notes,omitempty"`
	FilenameHint string `json:"filename_hint,omitempty"`
	QueueHash    bool   `json:"queue_hash,omitempty"`
}

func (s *Server) handleSourcePut(w http.ResponseWriter, r *http.Request) {
	var req sourcePutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		badRequest(w, "url is required")
		return
	}
	key := r.PathValue("hash")
	if err := s.deps.Sources.Set(key, sources.Source{
		URL:          req.URL,
		Notes:        req.Notes,
		FilenameHint: req.FilenameHint,
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "key": key})
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sources.Delete(r.PathValue("hash")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSourcePutByRelPath records a source for a file that has no hash
// yet. With queue_hash set, a hash task is also enqueued for the file;
// the source entry stays under its relpath key.
func (s *Server) handleSourcePutByRelPath(w http.ResponseWriter, r *http.Request) {
	rp, err := relpath.Clean(r.PathValue("relpath"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req sourcePutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		badRequest(w, "url is required")
		return
	}

	key := sources.KeyForRelPath(rp)
	if err := s.deps.Sources.Set(key, sources.Source{
		URL:          req.URL,
		Notes:        req.Notes,
		FilenameHint: req.FilenameHint,
	}); err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"status": "saved", "key": key}
	if req.QueueHash {
		side := config.Lake
		if _, ok := s.deps.Index.Snapshot(config.Local).Get(rp); ok {
			side = config.Local
		}
		if id, err := s.deps.Queue.EnqueueHashFile(side, rp); err == nil {
			resp["hash_task_id"] = id
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSourceDeleteByRelPath(w http.ResponseWriter, r *http.Request) {
	rp, err := relpath.Clean(r.PathValue("relpath"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Sources.Delete(sources.KeyForRelPath(rp)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
