package api

import (
	"log/slog"
	"net/http"
)

// Sync handles POST /api/sync. It runs a manual sync and waits for the
// metadata phases; bodies keep materializing in the background.
//
//	@Summary		Run a manual sync
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	SyncResponse
//	@Failure		412	{object}	errResponse	"No account bound"
//	@Failure		502	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Sync(r.Context())
	if err != nil {
		writeError(w, "sync", err)
		return
	}
	if res == nil {
		// Another run was already in flight.
		writeJSON(w, http.StatusAccepted, SyncResponse{})
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Result: res})
}

// SyncStatus handles GET /api/sync/status.
//
//	@Summary		Get the sync status
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	noteservice.SyncStatus
//	@Security		BearerAuth
//	@Router			/sync/status [get]
func (h *Handler) SyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// Bind handles POST /api/account. It logs in and runs the first sync.
//
//	@Summary		Bind an account
//	@Tags			sync
//	@Accept			json
//	@Produce		json
//	@Param			body	body		BindRequest	true	"Credentials"
//	@Success		200		{object}	SyncResponse
//	@Failure		400		{object}	errResponse
//	@Failure		401		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/account [post]
func (h *Handler) Bind(w http.ResponseWriter, r *http.Request) {
	var req BindRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Server == "" || req.UserID == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("server, userId and password are required"))
		return
	}
	res, err := h.svc.Bind(r.Context(), req.Server, req.UserID, req.Password)
	if err != nil {
		writeError(w, "bind account", err, slog.String("user", req.UserID))
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Result: res})
}
