package api

import (
	"net/http"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/mirror"
	"github.com/modellake/lakesync/internal/relpath"
)

type mirrorPlanRequest struct {
	SrcSide   string `json:"src_side"`
	SrcFolder string `json:"src_folder"`
	DstSide   string `json:"dst_side"`
	DstFolder string `json:"dst_folder,omitempty"`
}

func (s *Server) parseMirrorRequest(req mirrorPlanRequest) (mirror.Request, error) {
	srcSide, err := config.ParseSide(req.SrcSide)
	if err != nil {
		return mirror.Request{}, err
	}
	dstSide, err := config.ParseSide(req.DstSide)
	if err != nil {
		return mirror.Request{}, err
	}

	out := mirror.Request{SrcSide: srcSide, DstSide: dstSide}
	if req.SrcFolder != "" {
		if out.SrcFolder, err = relpath.Clean(req.SrcFolder); err != nil {
			return mirror.Request{}, err
		}
	}
	if req.DstFolder != "" {
		if out.DstFolder, err = relpath.Clean(req.DstFolder); err != nil {
			return mirror.Request{}, err
		}
	} else {
		out.DstFolder = out.SrcFolder
	}
	return out, nil
}

func (s *Server) handleMirrorPlan(w http.ResponseWriter, r *http.Request) {
	var req mirrorPlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	mreq, err := s.parseMirrorRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if mreq.SrcSide == mreq.DstSide {
		badRequest(w, "source and destination side are both %s", mreq.SrcSide)
		return
	}

	plan := mirror.Compute(
		mreq,
		s.deps.Index.Snapshot(mreq.SrcSide),
		s.deps.Index.Snapshot(mreq.DstSide),
		s.deps.Cfg.AllowDeleteFromSync(mreq.DstSide),
	)
	writeJSON(w, http.StatusOK, plan)
}

type mirrorExecuteRequest struct {
	Plan        mirror.Plan `json:"plan"`
	SkipDeletes bool        `json:"skip_deletes,omitempty"`
}

func (s *Server) handleMirrorExecute(w http.ResponseWriter, r *http.Request) {
	var req mirrorExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Plan.Request.SrcSide == req.Plan.Request.DstSide {
		badRequest(w, "invalid plan: source and destination side are the same")
		return
	}

	ids, err := mirror.Execute(s.deps.Queue, req.Plan, req.SkipDeletes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_enqueued": len(ids),
		"task_ids":       ids,
	})
}
