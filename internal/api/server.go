// Package api is the thin HTTP/WebSocket adapter over the engine. Every
// handler translates one route to one core call; no engine state lives
// here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/modellake/lakesync/internal/bundle"
	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/dedupe"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/queue"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/sources"
	"github.com/modellake/lakesync/internal/store"
)

// Deps is everything the adapter serves from.
type Deps struct {
	Cfg       config.Config
	Store     *store.Store
	Index     *index.Store
	Refresher *index.Refresher
	Queue     *queue.Queue
	Dedupe    *dedupe.Engine
	Sources   *sources.Manager
	Bundles   *bundle.Store
	Bus       *event.Bus
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	http *http.Server
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(deps.Cfg.Host, fmt.Sprintf("%d", deps.Cfg.Port)),
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	// Index.
	s.mux.HandleFunc("POST /api/index/refresh", s.handleIndexRefresh)
	s.mux.HandleFunc("GET /api/index/diff", s.handleIndexDiff)
	s.mux.HandleFunc("GET /api/index/files", s.handleIndexFiles)
	s.mux.HandleFunc("GET /api/index/folders", s.handleIndexFolders)
	s.mux.HandleFunc("GET /api/index/stats", s.handleIndexStats)
	s.mux.HandleFunc("GET /api/index/config", s.handleIndexConfig)
	s.mux.HandleFunc("POST /api/index/hash-file", s.handleHashFile)
	s.mux.HandleFunc("POST /api/index/verify", s.handleVerify)

	// Sources.
	s.mux.HandleFunc("GET /api/index/sources", s.handleSourcesList)
	s.mux.HandleFunc("PUT /api/index/sources/by-relpath/{relpath...}", s.handleSourcePutByRelPath)
	s.mux.HandleFunc("DELETE /api/index/sources/by-relpath/{relpath...}", s.handleSourceDeleteByRelPath)
	s.mux.HandleFunc("PUT /api/index/sources/{hash}", s.handleSourcePut)
	s.mux.HandleFunc("DELETE /api/index/sources/{hash}", s.handleSourceDelete)

	// Queue.
	s.mux.HandleFunc("POST /api/queue/copy", s.handleQueueCopy)
	s.mux.HandleFunc("POST /api/queue/delete", s.handleQueueDelete)
	s.mux.HandleFunc("GET /api/queue/tasks", s.handleQueueTasks)
	s.mux.HandleFunc("POST /api/queue/pause", s.handleQueuePause)
	s.mux.HandleFunc("POST /api/queue/resume", s.handleQueueResume)
	s.mux.HandleFunc("POST /api/queue/cancel/all", s.handleQueueCancelAll)
	s.mux.HandleFunc("POST /api/queue/cancel/{id}", s.handleQueueCancel)
	s.mux.HandleFunc("DELETE /api/queue/{id}", s.handleQueueRemove)

	// Mirror.
	s.mux.HandleFunc("POST /api/mirror/plan", s.handleMirrorPlan)
	s.mux.HandleFunc("POST /api/mirror/execute", s.handleMirrorExecute)

	// Dedupe.
	s.mux.HandleFunc("POST /api/dedupe/scan", s.handleDedupeScan)
	s.mux.HandleFunc("GET /api/dedupe/scan/status", s.handleDedupeStatus)
	s.mux.HandleFunc("GET /api/dedupe/scan/latest", s.handleDedupeLatest)
	s.mux.HandleFunc("DELETE /api/dedupe/scan/{id}", s.handleDedupeClear)
	s.mux.HandleFunc("GET /api/dedupe/results/{id}", s.handleDedupeResults)
	s.mux.HandleFunc("POST /api/dedupe/execute", s.handleDedupeExecute)

	// Bundles.
	s.mux.HandleFunc("GET /api/bundles", s.handleBundleList)
	s.mux.HandleFunc("POST /api/bundles", s.handleBundleSave)
	s.mux.HandleFunc("GET /api/bundles/{name}", s.handleBundleGet)
	s.mux.HandleFunc("DELETE /api/bundles/{name}", s.handleBundleDelete)
	s.mux.HandleFunc("GET /api/bundles/{name}/resolve", s.handleBundleResolve)

	// Events.
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("encode response", "error", err)
		}
	}
}

// errMalformedBody marks request-body decode failures so they map to 400.
var errMalformedBody = errors.New("malformed request body")

// writeError maps an engine error to an HTTP status, surfacing the
// message verbatim.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relpath.ErrPathEscape), errors.Is(err, relpath.ErrEmpty),
		errors.Is(err, errMalformedBody):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrPolicyDenied), errors.Is(err, fault.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, fault.ErrConflictRefused), errors.Is(err, fault.ErrDedupeStaleGroup):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// decodeBody parses a JSON request body into v, rejecting unknown fields
// so malformed payloads fail loudly at the boundary.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}
