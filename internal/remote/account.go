package remote

import (
	"context"
	"net/http"

	"github.com/starford/notesync/internal/models"
)

// AccountClient talks to the account service.
type AccountClient struct {
	*base
}

// NewAccountClient builds a client for the account service at server.
func NewAccountClient(server string, opts ...Option) *AccountClient {
	return &AccountClient{base: newBase(server, opts)}
}

// Server returns the account service address.
func (a *AccountClient) Server() string { return a.server }

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

// Login authenticates and returns the user record with a fresh token.
// A wrong password surfaces as a ServerError matching
// apperr.ErrInvalidPassword.
func (a *AccountClient) Login(ctx context.Context, userID, password string) (*models.User, error) {
	var user models.User
	_, err := a.do(ctx, call{
		method:  http.MethodPost,
		path:    "/as/user/login",
		body:    loginRequest{UserID: userID, Password: password},
		noToken: true,
	}, &user)
	if err != nil {
		return nil, err
	}
	a.SetToken(user.Token)
	return &user, nil
}
