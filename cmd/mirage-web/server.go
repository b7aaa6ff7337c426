package main

import (
	"net/http"
	"strings"

	"github.com/fpang/mirage/internal/cli"
	"github.com/fpang/mirage/internal/workspace"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// sessionHeader may carry the session ID instead of the query parameter.
const sessionHeader = "X-Mirage-Session"

// server holds the HTTP handlers' dependencies.
type server struct {
	workspaces *workspace.Manager
	maxUpload  int64
	// pick opens the native file dialog; replaced in tests.
	pick func(title string) (path string, canceled bool, err error)
}

func newServer(m *workspace.Manager, maxUpload int64) *server {
	return &server{workspaces: m, maxUpload: maxUpload, pick: cli.PickImage}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/session", s.handleSessionCreate)
	mux.HandleFunc("DELETE /api/session", s.handleSessionDelete)

	mux.HandleFunc("GET /api/surface/{name}/state", s.surfaceHandler(s.handleSurfaceState))
	mux.HandleFunc("GET /api/surface/{name}/wait", s.surfaceHandler(s.handleSurfaceWait))
	mux.HandleFunc("POST /api/surface/{name}/select", s.surfaceHandler(s.handleSurfaceSelect))
	mux.HandleFunc("POST /api/surface/{name}/target", s.surfaceHandler(s.handleSurfaceTarget))
	mux.HandleFunc("DELETE /api/surface/{name}/target", s.surfaceHandler(s.handleSurfaceClearTarget))
	mux.HandleFunc("POST /api/surface/{name}/targeted", s.surfaceHandler(s.handleSurfaceTargeted))
	mux.HandleFunc("POST /api/surface/{name}/intensity", s.surfaceHandler(s.handleSurfaceIntensity))
	mux.HandleFunc("POST /api/surface/{name}/submit", s.surfaceHandler(s.handleSurfaceSubmit))
	mux.HandleFunc("POST /api/surface/{name}/clear", s.surfaceHandler(s.handleSurfaceClear))
	mux.HandleFunc("GET /api/surface/{name}/download", s.surfaceHandler(s.handleSurfaceDownload))

	mux.HandleFunc("GET /api/playground/state", s.workspaceHandler(s.handlePlaygroundState))
	mux.HandleFunc("GET /api/playground/wait", s.workspaceHandler(s.handlePlaygroundWait))
	mux.HandleFunc("POST /api/playground/draft", s.workspaceHandler(s.handlePlaygroundDraft))
	mux.HandleFunc("POST /api/playground/image", s.workspaceHandler(s.handlePlaygroundImage))
	mux.HandleFunc("DELETE /api/playground/image", s.workspaceHandler(s.handlePlaygroundClearImage))
	mux.HandleFunc("POST /api/playground/tag", s.workspaceHandler(s.handlePlaygroundTag))
	mux.HandleFunc("POST /api/playground/send", s.workspaceHandler(s.handlePlaygroundSend))
	mux.HandleFunc("POST /api/playground/reset", s.workspaceHandler(s.handlePlaygroundReset))

	mux.HandleFunc("GET /api/previews/{handle}", s.workspaceHandler(s.handlePreview))
	mux.HandleFunc("POST /api/pick", s.handlePick)

	return mux
}

func sessionID(r *http.Request) string {
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(sessionHeader))
}

// workspaceHandler resolves the caller's workspace before calling h.
func (s *server) workspaceHandler(h func(http.ResponseWriter, *http.Request, *workspace.Workspace)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r)
		if id == "" {
			httpError(w, http.StatusBadRequest, "sessionId is required")
			return
		}
		ws := s.workspaces.Get(id)
		if ws == nil {
			httpError(w, http.StatusNotFound, "unknown session")
			return
		}
		h(w, r, ws)
	}
}

// POST /api/session
// Creates a workspace and returns its ID.
func (s *server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	s.workspaces.GetOrCreate(id)
	respondJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// DELETE /api/session?sessionId=...
// Tears the workspace down, releasing every preview.
func (s *server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id == "" {
		httpError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	s.workspaces.Delete(id)
	log.Info().Str("sessionId", id).Msg("Session ended")
	w.WriteHeader(http.StatusNoContent)
}
