package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/notesync/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Route("/notes/{guid}", func(r chi.Router) {
		r.Get("/", h.GetNote)
		r.Put("/", h.UpdateNote)
		r.Delete("/", h.DeleteNote)
		r.Post("/restore", h.RestoreNote)
		r.Patch("/flags", h.SetFlags)
		r.Get("/resources/{name}", h.GetResource)
		r.Post("/resources", h.UploadResource)
	})

	// Search, tags, links.
	r.Get("/search", h.Search)
	r.Get("/tags", h.Tags)
	r.Post("/tags/rename", h.RenameTag)
	r.Get("/titles", h.Titles)
	r.Get("/backlinks", h.Backlinks)
	r.Get("/graph", h.Graph)

	// Sync.
	r.Post("/sync", h.Sync)
	r.Get("/sync/status", h.SyncStatus)
	r.Post("/account", h.Bind)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
