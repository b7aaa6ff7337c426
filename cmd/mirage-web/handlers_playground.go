package main

import (
	"context"
	"net/http"

	"github.com/fpang/mirage/internal/workspace"
)

// GET /api/playground/state
func (s *server) handlePlaygroundState(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	respondJSON(w, http.StatusOK, ws.Playground.Snapshot())
}

// GET /api/playground/wait?timeout=25s
func (s *server) handlePlaygroundWait(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout(r))
	defer cancel()
	snap, _ := ws.Playground.WaitSettled(ctx)
	respondJSON(w, http.StatusOK, snap)
}

// POST /api/playground/draft
// Body: {"text": "..."}
func (s *server) handlePlaygroundDraft(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws.Playground.SetDraftText(req.Text)
	respondJSON(w, http.StatusOK, ws.Playground.Snapshot())
}

// POST /api/playground/image
func (s *server) handlePlaygroundImage(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	u, ok := readUpload(w, r, s.maxUpload)
	if !ok {
		return
	}
	if err := ws.Playground.AttachDraftImage(u); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws.Playground.Snapshot())
}

// DELETE /api/playground/image
func (s *server) handlePlaygroundClearImage(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	ws.Playground.ClearDraftImage()
	respondJSON(w, http.StatusOK, ws.Playground.Snapshot())
}

// POST /api/playground/tag
// Body: {"tag": "face-cloak"}
func (s *server) handlePlaygroundTag(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ws.Playground.SelectTag(req.Tag); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws.Playground.Snapshot())
}

// POST /api/playground/send
func (s *server) handlePlaygroundSend(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	opID, err := ws.Playground.Send()
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"operationId": opID})
}

// POST /api/playground/reset
func (s *server) handlePlaygroundReset(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	ws.Playground.Reset()
	respondJSON(w, http.StatusOK, ws.Playground.Snapshot())
}
