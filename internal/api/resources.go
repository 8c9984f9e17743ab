package api

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/notesync/internal/asset"
)

const maxUploadBytes = asset.MaxSize + 1<<20

// GetResource handles GET /api/notes/{guid}/resources/{name}.
//
//	@Summary		Get a note resource, downloading it when missing locally
//	@Tags			resources
//	@Produce		octet-stream
//	@Param			guid	path	string	true	"Note guid"
//	@Param			name	path	string	true	"Resource name"
//	@Success		200		{file}	binary
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{guid}/resources/{name} [get]
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	guid, name := chi.URLParam(r, "guid"), chi.URLParam(r, "name")
	if name != filepath.Base(name) || strings.Contains(name, "..") {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid resource name"))
		return
	}
	data, err := h.svc.Resource(r.Context(), guid, name)
	if err != nil {
		writeError(w, "get resource", err, slog.String("guid", guid), slog.String("name", name))
		return
	}
	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// UploadResource handles POST /api/notes/{guid}/resources. It accepts
// multipart/form-data with a "file" field, or a JSON ImportResourceRequest
// naming a URL to fetch.
//
//	@Summary		Add an image to a note
//	@Tags			resources
//	@Accept			multipart/form-data,json
//	@Produce		json
//	@Param			guid	path		string	true	"Note guid"
//	@Param			file	formData	file	false	"File to upload"
//	@Success		201		{object}	ResourceResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{guid}/resources [post]
func (h *Handler) UploadResource(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req ImportResourceRequest
		if !decode(w, r, &req) {
			return
		}
		if req.URL == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("url is required"))
			return
		}
		img, err := h.svc.ImportResource(r.Context(), guid, req.URL, req.Filename)
		if err != nil {
			writeError(w, "import resource", err, slog.String("guid", guid))
			return
		}
		writeJSON(w, http.StatusCreated, ResourceResponse{Markdown: img})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}
	img, err := h.svc.AddResource(r.Context(), guid, header.Filename, data)
	if err != nil {
		writeError(w, "upload resource", err, slog.String("guid", guid))
		return
	}
	writeJSON(w, http.StatusCreated, ResourceResponse{Markdown: img})
}
