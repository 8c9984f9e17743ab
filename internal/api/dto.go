package api

import (
	"github.com/starford/notesync/internal/kbsync"
	"github.com/starford/notesync/internal/noteservice"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	Markdown string `json:"markdown" example:"# Hello\nWorld"`
	Title    string `json:"title,omitempty" example:"Hello"`
	Tag      string `json:"tag,omitempty" example:"inbox"`
}

// UpdateNoteRequest is the request body for updating a note.
type UpdateNoteRequest struct {
	Markdown string `json:"markdown" example:"# Updated\nContent" validate:"required"`
}

// RenameTagRequest is the request body for renaming a tag.
type RenameTagRequest struct {
	From string `json:"from" example:"work" validate:"required"`
	To   string `json:"to" example:"job" validate:"required"`
}

// RenameTagResponse lists the notes rewritten by a tag rename.
type RenameTagResponse struct {
	Renamed []string `json:"renamed" validate:"required"`
}

// BindRequest is the request body for binding an account.
type BindRequest struct {
	Server   string `json:"server" example:"https://as.example.com" validate:"required"`
	UserID   string `json:"userId" example:"me@example.com" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ImportResourceRequest asks the server to fetch an image into a note.
type ImportResourceRequest struct {
	URL      string `json:"url" example:"https://example.com/a.png" validate:"required"`
	Filename string `json:"filename,omitempty" example:"a.png"`
}

// ResourceResponse is returned after a resource was stored.
type ResourceResponse struct {
	Markdown string `json:"markdown" example:"![a.png](index_files/a.png)" validate:"required"`
}

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = noteservice.NoteDetail

// NoteListItem is a lightweight item in a list response (aliased from the domain layer).
type NoteListItem = noteservice.NoteListItem

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes  []NoteListItem `json:"notes" validate:"required"`
	Offset int            `json:"offset" example:"0"`
	Limit  int            `json:"limit" example:"50"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []NoteListItem `json:"results" validate:"required"`
}

// GraphResponse wraps the link graph.
type GraphResponse struct {
	Nodes []noteservice.GraphNode `json:"nodes" validate:"required"`
	Links []noteservice.GraphLink `json:"links" validate:"required"`
}

// SyncResponse wraps the result of a manual sync.
type SyncResponse struct {
	Result *kbsync.Result `json:"result"`
}
