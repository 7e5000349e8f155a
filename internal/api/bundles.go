package api

import (
	"net/http"

	"github.com/modellake/lakesync/internal/bundle"
	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

func (s *Server) handleBundleList(w http.ResponseWriter, _ *http.Request) {
	names, err := s.deps.Bundles.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"bundles": names})
}

type bundleSaveRequest struct {
	Name  string `json:"name"`
	Items []struct {
		RelPath           string `json:"relpath"`
		Hash              string `json:"hash,omitempty"`
		SourceURLOverride string `json:"source_url_override,omitempty"`
	} `json:"items"`
}

func (s *Server) handleBundleSave(w http.ResponseWriter, r *http.Request) {
	var req bundleSaveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	b := &store.Bundle{Name: req.Name, Items: make([]store.BundleItem, 0, len(req.Items))}
	for _, item := range req.Items {
		rp, err := relpath.Clean(item.RelPath)
		if err != nil {
			writeError(w, err)
			return
		}
		b.Items = append(b.Items, store.BundleItem{
			RelPath:           rp,
			Hash:              item.Hash,
			SourceURLOverride: item.SourceURLOverride,
		})
	}

	if err := s.deps.Bundles.Save(b); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBundleGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Bundles.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBundleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Bundles.Delete(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleBundleResolve(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Bundles.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	statuses := bundle.Resolve(b,
		s.deps.Index.Snapshot(config.Local),
		s.deps.Index.Snapshot(config.Lake),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  b.Name,
		"items": statuses,
	})
}
