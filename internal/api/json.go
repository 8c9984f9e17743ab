package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/notesync/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error   string `json:"error" validate:"required"`
	Code    string `json:"code,omitempty" example:"WizErrorNotExists"`
	SubCode string `json:"subCode,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// statusOf maps a service error onto an HTTP status.
func statusOf(err error) int {
	var ipe *apperr.InvalidParamError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, apperr.ErrAlreadyExists):
		return http.StatusConflict
	case errors.As(err, &ipe):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidPassword):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrNoAccount):
		return http.StatusPreconditionFailed
	case errors.Is(err, apperr.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	var (
		se *apperr.ServerError
		ne *apperr.NetworkError
	)
	if errors.As(err, &se) || errors.As(err, &ne) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func writeError(w http.ResponseWriter, op string, err error, attrs ...any) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", append(attrs, slog.String("error", err.Error()))...)
		writeJSON(w, status, errorBody("internal error"))
		return
	}
	p := apperr.Normalize(err)
	writeJSON(w, status, errResponse{Error: err.Error(), Code: p.Code, SubCode: p.SubCode})
}
