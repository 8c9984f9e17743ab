package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/notesync/internal/noteservice"
	"github.com/starford/notesync/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 10 << 20
)

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

func paging(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes with optional pagination and filtering
//	@Tags			notes
//	@Produce		json
//	@Param			limit		query		int		false	"Page size"
//	@Param			offset		query		int		false	"Page offset"
//	@Param			tag			query		[]string	false	"Filter by tag (repeatable, AND-ed)"
//	@Param			trash		query		bool	false	"List the trash"
//	@Param			starred		query		bool	false	"Only starred notes"
//	@Param			archived	query		bool	false	"Only archived notes"
//	@Param			title		query		string	false	"Exact title"
//	@Success		200			{object}	NoteListResponse
//	@Security		BearerAuth
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	offset, limit := paging(r)
	filter := store.QueryFilter{
		Tags:     r.URL.Query()["tag"],
		Trash:    queryBool(r, "trash"),
		Starred:  queryBool(r, "starred"),
		Archived: queryBool(r, "archived"),
		OnTop:    queryBool(r, "onTop"),
		Title:    r.URL.Query().Get("title"),
	}
	items, err := h.svc.ListNotes(r.Context(), offset, limit, filter)
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Offset: offset, Limit: limit})
}

// GetNote handles GET /api/notes/{guid}. A body that is not stored locally
// is fetched from the remote first.
//
//	@Summary		Get a single note by guid
//	@Tags			notes
//	@Produce		json
//	@Param			guid	path		string	true	"Note guid"
//	@Success		200		{object}	NoteDetail
//	@Failure		404		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{guid} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	note, err := h.svc.GetNote(r.Context(), guid)
	if err != nil {
		writeError(w, "get note", err, slog.String("guid", guid))
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if !decode(w, r, &req) {
		return
	}
	note, err := h.svc.CreateNote(r.Context(), store.CreateNoteOptions{
		Title:    req.Title,
		Markdown: req.Markdown,
		Tag:      req.Tag,
	})
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{guid}.
//
//	@Summary		Replace the body of a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			guid		path	string				true	"Note guid"
//	@Param			If-Match	header	string				false	"MD5 checksum of the body being replaced"
//	@Param			body		body	UpdateNoteRequest	true	"Updated content"
//	@Success		200		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{guid} [put]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	var req UpdateNoteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Markdown == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("markdown is required"))
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)

	note, err := h.svc.UpdateNote(r.Context(), guid, req.Markdown, ifMatch)
	if err != nil {
		writeError(w, "update note", err, slog.String("guid", guid))
		return
	}
	w.Header().Set("ETag", `"`+note.Checksum+`"`)
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{guid}. The first delete moves the
// note to the trash, a second one removes it.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			guid	path	string	true	"Note guid"
//	@Success		204		"Note deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{guid} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	if err := h.svc.DeleteNote(r.Context(), guid); err != nil {
		writeError(w, "delete note", err, slog.String("guid", guid))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreNote handles POST /api/notes/{guid}/restore.
//
//	@Summary		Put a note back from the trash
//	@Tags			notes
//	@Param			guid	path		string	true	"Note guid"
//	@Success		200		{object}	models.Note
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{guid}/restore [post]
func (h *Handler) RestoreNote(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	note, err := h.svc.RestoreNote(r.Context(), guid)
	if err != nil {
		writeError(w, "restore note", err, slog.String("guid", guid))
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// SetFlags handles PATCH /api/notes/{guid}/flags.
//
//	@Summary		Update starred, archived or on-top flags
//	@Tags			notes
//	@Accept			json
//	@Param			guid	path		string				true	"Note guid"
//	@Param			body	body		noteservice.Flags	true	"Flags to change"
//	@Success		200		{object}	models.Note
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notes/{guid}/flags [patch]
func (h *Handler) SetFlags(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	var req noteservice.Flags
	if !decode(w, r, &req) {
		return
	}
	note, err := h.svc.SetFlags(r.Context(), guid, req)
	if err != nil {
		writeError(w, "set flags", err, slog.String("guid", guid))
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// Search handles GET /api/search.
//
//	@Summary		Full-text search across notes
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Param			offset	query		int		false	"Results to skip"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	offset, limit := paging(r)
	results, err := h.svc.Search(r.Context(), q, offset, limit)
	if err != nil {
		writeError(w, "search", err, slog.String("query", q))
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Tags handles GET /api/tags.
//
//	@Summary		Get the tag hierarchy
//	@Tags			tags
//	@Produce		json
//	@Success		200	{object}	map[string]models.TagNode
//	@Security		BearerAuth
//	@Router			/tags [get]
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	tree, err := h.svc.Tags(r.Context())
	if err != nil {
		writeError(w, "tags", err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// RenameTag handles POST /api/tags/rename.
//
//	@Summary		Rename a tag and its children in every note
//	@Tags			tags
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RenameTagRequest	true	"Old and new name"
//	@Success		200		{object}	RenameTagResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tags/rename [post]
func (h *Handler) RenameTag(w http.ResponseWriter, r *http.Request) {
	var req RenameTagRequest
	if !decode(w, r, &req) {
		return
	}
	renamed, err := h.svc.RenameTag(r.Context(), req.From, req.To)
	if err != nil {
		writeError(w, "rename tag", err, slog.String("from", req.From), slog.String("to", req.To))
		return
	}
	if renamed == nil {
		renamed = []string{}
	}
	writeJSON(w, http.StatusOK, RenameTagResponse{Renamed: renamed})
}

// Titles handles GET /api/titles.
//
//	@Summary		List every note title
//	@Tags			links
//	@Produce		json
//	@Success		200	{array}	string
//	@Security		BearerAuth
//	@Router			/titles [get]
func (h *Handler) Titles(w http.ResponseWriter, r *http.Request) {
	titles, err := h.svc.Titles(r.Context())
	if err != nil {
		writeError(w, "titles", err)
		return
	}
	writeJSON(w, http.StatusOK, titles)
}

// Backlinks handles GET /api/backlinks.
//
//	@Summary		List notes linking to a title
//	@Tags			links
//	@Produce		json
//	@Param			title	query	string	true	"Linked title"
//	@Success		200		{array}	NoteListItem
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/backlinks [get]
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	if title == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'title' is required"))
		return
	}
	items, err := h.svc.Backlinks(r.Context(), title)
	if err != nil {
		writeError(w, "backlinks", err, slog.String("title", title))
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Graph handles GET /api/graph.
//
//	@Summary		Get the link graph
//	@Tags			links
//	@Produce		json
//	@Success		200	{object}	GraphResponse
//	@Security		BearerAuth
//	@Router			/graph [get]
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	nodes, links, err := h.svc.Graph(r.Context())
	if err != nil {
		writeError(w, "graph", err)
		return
	}
	writeJSON(w, http.StatusOK, GraphResponse{Nodes: nodes, Links: links})
}
