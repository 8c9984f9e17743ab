// Package apperr defines the error taxonomy shared by the store, the remote
// client and the sync engine.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyExists   = errors.New("already exists")
	ErrLockTimeout     = errors.New("lock timeout")
	ErrInvalidPassword = errors.New("invalid password")
	ErrNoAccount       = errors.New("no account")
)

// Server error codes and extern codes the sync protocol reacts to.
const (
	CodeInvalidToken    = 301
	CodeInvalidPassword = 31001
	CodeInvalidParam    = 2000

	ExternInvalidPassword      = "WizErrorInvalidPassword"
	ExternPayedPersonalExpired = "WizErrorPayedPersonalExpired"
	ExternFreePersonalExpired  = "WizErrorFreePersonalExpired"
	ExternUploadNoteData       = "WizErrorUploadNoteData"
)

// NetworkError is a transport or connectivity failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network: " + e.Op
	}
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a structured failure reported by the remote service.
type ServerError struct {
	Code       int
	ExternCode string
	Message    string
}

func (e *ServerError) Error() string {
	if e.ExternCode != "" {
		return fmt.Sprintf("server: %s (code %d, %s)", e.Message, e.Code, e.ExternCode)
	}
	return fmt.Sprintf("server: %s (code %d)", e.Message, e.Code)
}

// Is matches ErrInvalidPassword for both ways the remote reports it.
func (e *ServerError) Is(target error) bool {
	if target == ErrInvalidPassword {
		return e.Code == CodeInvalidPassword || e.ExternCode == ExternInvalidPassword
	}
	return false
}

// InternalError is a local invariant violation or storage failure.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return "internal: " + e.Msg
	}
	return fmt.Sprintf("internal: %s: %v", e.Msg, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// NotExistsError reports a note or resource that is absent locally.
type NotExistsError struct {
	What string
}

func (e *NotExistsError) Error() string { return e.What + " does not exist" }

func (e *NotExistsError) Is(target error) bool { return target == ErrNotFound }

// InvalidParamError reports a malformed note type or content format.
type InvalidParamError struct {
	Msg string
}

func (e *InvalidParamError) Error() string { return "invalid param: " + e.Msg }

// Internal wraps err as an InternalError. A nil err yields nil.
func Internal(msg string, err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Msg: msg, Err: err}
}

// NotExists builds a NotExistsError with a formatted subject.
func NotExists(format string, args ...any) error {
	return &NotExistsError{What: fmt.Sprintf(format, args...)}
}

// InvalidParam builds an InvalidParamError with a formatted message.
func InvalidParam(format string, args ...any) error {
	return &InvalidParamError{Msg: fmt.Sprintf(format, args...)}
}

// Network wraps err as a NetworkError.
func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// AsServer extracts a ServerError from err.
func AsServer(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsInvalidToken reports whether err signals an expired or invalid token.
func IsInvalidToken(err error) bool {
	se, ok := AsServer(err)
	return ok && se.Code == CodeInvalidToken
}

// IsFatalUpload reports whether err must abort a whole upload batch.
func IsFatalUpload(err error) bool {
	if errors.Is(err, ErrInvalidPassword) {
		return true
	}
	se, ok := AsServer(err)
	if !ok {
		return false
	}
	return se.ExternCode == ExternPayedPersonalExpired || se.ExternCode == ExternFreePersonalExpired
}

// IsBodyRequired reports whether the server asked for the note body on a
// metadata-only upload.
func IsBodyRequired(err error) bool {
	se, ok := AsServer(err)
	return ok && se.ExternCode == ExternUploadNoteData
}
