package main

import (
	"net/http"

	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/workspace"
	"github.com/rs/zerolog/log"
)

// GET /api/previews/{handle}?sessionId=...&thumb=1
// Serves the bytes behind a live preview handle. Released handles are gone.
func (s *server) handlePreview(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	b, ok := ws.Registry.Lookup(r.PathValue("handle"))
	if !ok {
		httpError(w, http.StatusNotFound, "preview not found")
		return
	}
	file := b.File()
	data, mimeType := file.Data, file.MIMEType

	if r.URL.Query().Get("thumb") != "" {
		thumb, thumbMIME, err := filehandler.GenerateThumbnail(file.Data, file.MIMEType, filehandler.DefaultThumbnailMaxDimension)
		if err != nil {
			log.Warn().Err(err).Str("handle", b.Handle()).Msg("Failed to generate thumbnail")
		} else {
			data, mimeType = thumb, thumbMIME
		}
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Write(data)
}

// POST /api/pick
// Opens the native file dialog and returns the chosen image path.
func (s *server) handlePick(w http.ResponseWriter, r *http.Request) {
	path, canceled, err := s.pick("Select an image")
	if err != nil {
		log.Error().Err(err).Msg("File picker failed")
		httpError(w, http.StatusInternalServerError, "file picker failed")
		return
	}
	if canceled {
		respondJSON(w, http.StatusOK, map[string]interface{}{"path": "", "canceled": true})
		return
	}
	log.Info().Str("path", path).Msg("Image picked via native dialog")
	respondJSON(w, http.StatusOK, map[string]interface{}{"path": path, "canceled": false})
}
