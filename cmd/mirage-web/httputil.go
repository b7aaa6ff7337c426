package main

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/playground"
	"github.com/fpang/mirage/internal/surface"
	"github.com/rs/zerolog/log"
)

// multipartOverhead is allowed on top of the image ceiling for form framing.
const multipartOverhead = 1 << 20

// containsPathTraversal reports whether p has a ".." segment. The raw segments
// are checked because filepath.Clean would resolve them away.
func containsPathTraversal(p string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondControllerError maps a controller error onto a status code.
func respondControllerError(w http.ResponseWriter, err error) {
	var cerr *cloak.Error
	switch {
	case errors.Is(err, surface.ErrBusy), errors.Is(err, playground.ErrBusy):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, surface.ErrClosed), errors.Is(err, playground.ErrClosed):
		httpError(w, http.StatusGone, err.Error())
	case errors.Is(err, surface.ErrNotTargetable), errors.Is(err, playground.ErrEmptyDraft):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &cerr) && cerr.Kind == cloak.KindValidation:
		httpError(w, http.StatusBadRequest, cerr.Message)
	default:
		log.Error().Err(err).Msg("Unexpected controller error")
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(v)
}

// readUpload accepts either a multipart form with a "file" part or a JSON
// body {"path": "..."} naming a local file (as returned by /api/pick).
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (filehandler.Upload, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpError(w, http.StatusRequestEntityTooLarge, "Image must be "+filehandler.FormatSize(maxBytes)+" or smaller.")
			} else {
				httpError(w, http.StatusBadRequest, "file is required")
			}
			return filehandler.Upload{}, false
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "failed to read upload")
			return filehandler.Upload{}, false
		}
		return filehandler.Upload{
			Name:     header.Filename,
			MIMEType: header.Header.Get("Content-Type"),
			Data:     data,
		}, true
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Path) == "" {
		httpError(w, http.StatusBadRequest, "multipart file or path is required")
		return filehandler.Upload{}, false
	}
	if containsPathTraversal(req.Path) {
		httpError(w, http.StatusBadRequest, "invalid path")
		return filehandler.Upload{}, false
	}
	u, err := filehandler.LoadImageFile(req.Path)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return filehandler.Upload{}, false
	}
	return u, true
}
