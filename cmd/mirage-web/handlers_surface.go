package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fpang/mirage/internal/surface"
	"github.com/fpang/mirage/internal/workspace"
	"github.com/rs/zerolog/log"
)

const (
	defaultWait = 25 * time.Second
	maxWait     = 60 * time.Second
)

// surfaceHandler resolves the workspace and the {name} surface before calling h.
func (s *server) surfaceHandler(h func(http.ResponseWriter, *http.Request, *surface.Controller)) http.HandlerFunc {
	return s.workspaceHandler(func(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
		c, ok := ws.Surface(r.PathValue("name"))
		if !ok {
			httpError(w, http.StatusNotFound, "unknown surface")
			return
		}
		h(w, r, c)
	})
}

// waitTimeout parses ?timeout= as a duration or a number of seconds.
func waitTimeout(r *http.Request) time.Duration {
	v := r.URL.Query().Get("timeout")
	if v == "" {
		return defaultWait
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, serr := strconv.Atoi(v)
		if serr != nil {
			return defaultWait
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 || d > maxWait {
		return maxWait
	}
	return d
}

// GET /api/surface/{name}/state
func (s *server) handleSurfaceState(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	respondJSON(w, http.StatusOK, c.Snapshot())
}

// GET /api/surface/{name}/wait?timeout=25s
// Long-polls until the in-flight submission settles.
func (s *server) handleSurfaceWait(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout(r))
	defer cancel()
	snap, _ := c.WaitSettled(ctx)
	respondJSON(w, http.StatusOK, snap)
}

// POST /api/surface/{name}/select
// Body: multipart "file", or JSON {"path": "..."}.
func (s *server) handleSurfaceSelect(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	u, ok := readUpload(w, r, s.maxUpload)
	if !ok {
		return
	}
	if err := c.SelectSource(u); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

// POST /api/surface/{name}/target
func (s *server) handleSurfaceTarget(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	u, ok := readUpload(w, r, s.maxUpload)
	if !ok {
		return
	}
	if err := c.SelectTarget(u); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

// DELETE /api/surface/{name}/target
func (s *server) handleSurfaceClearTarget(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	if err := c.ClearTarget(); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

// POST /api/surface/{name}/targeted
// Body: {"targeted": true}
func (s *server) handleSurfaceTargeted(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	var req struct {
		Targeted bool `json:"targeted"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := c.SetTargeted(req.Targeted); err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c.Snapshot())
}

// POST /api/surface/{name}/intensity
// Body: {"intensity": 0.05}. The stored value is clamped to the surface range.
func (s *server) handleSurfaceIntensity(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	var req struct {
		Intensity *float64 `json:"intensity"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Intensity == nil {
		httpError(w, http.StatusBadRequest, "intensity is required")
		return
	}
	c.SetIntensity(*req.Intensity)
	respondJSON(w, http.StatusOK, c.Snapshot())
}

// POST /api/surface/{name}/submit
// Starts a submission and returns its operation ID immediately.
func (s *server) handleSurfaceSubmit(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	opID, err := c.Submit()
	if err != nil {
		respondControllerError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"operationId": opID})
}

// POST /api/surface/{name}/clear
func (s *server) handleSurfaceClear(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	c.Clear()
	respondJSON(w, http.StatusOK, c.Snapshot())
}

// GET /api/surface/{name}/download
// Serves the cloaked image as an attachment named cloaked.png.
func (s *server) handleSurfaceDownload(w http.ResponseWriter, r *http.Request, c *surface.Controller) {
	result := c.Result()
	if result == nil || len(result.CloakedImage.Data) == 0 {
		httpError(w, http.StatusNotFound, "no cloaked image yet")
		return
	}
	w.Header().Set("Content-Type", result.CloakedImage.MIMEType)
	w.Header().Set("Content-Disposition", `attachment; filename="cloaked.png"`)
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(result.CloakedImage.Data); err != nil {
		log.Debug().Err(err).Msg("Download interrupted")
	}
}
