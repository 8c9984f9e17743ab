// Package remote is the REST client for the knowledge and account
// services. Every call is one request; the only retry is a single replay
// after a token refresh on code 301.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/starford/notesync/internal/apperr"
)

// Header names used by the services.
const (
	HeaderToken      = "X-Wiz-Token"
	HeaderCode       = "X-Wiz-Code"
	HeaderExternCode = "X-Wiz-ExternCode"
)

// ClientType is reported on every request.
const ClientType = "lite"

// defaultTimeout bounds a single request when no http.Client is supplied.
const defaultTimeout = 60 * time.Second

// TokenRefresher re-authenticates and returns a fresh token.
type TokenRefresher func(ctx context.Context) (string, error)

// envelope is the JSON wrapper of every non-binary response.
type envelope struct {
	ReturnCode    int             `json:"returnCode"`
	ReturnMessage string          `json:"returnMessage"`
	ExternCode    string          `json:"externCode"`
	Result        json.RawMessage `json:"result"`
}

// Option configures a client.
type Option func(*base)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.httpc = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) { b.logger = l }
}

// WithClientVersion sets the clientVersion query parameter.
func WithClientVersion(v string) Option {
	return func(b *base) { b.version = v }
}

// WithTokenRefresher installs the handler called on an invalid token.
func WithTokenRefresher(r TokenRefresher) Option {
	return func(b *base) { b.refresh = r }
}

// base carries the transport shared by the account and knowledge clients.
type base struct {
	httpc   *http.Client
	server  string
	logger  *slog.Logger
	version string
	refresh TokenRefresher

	mu    sync.RWMutex
	token string
}

func newBase(server string, opts []Option) *base {
	b := &base{
		httpc:   &http.Client{Timeout: defaultTimeout},
		server:  strings.TrimRight(server, "/"),
		logger:  slog.Default(),
		version: "dev",
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Token returns the current token.
func (b *base) Token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// SetToken replaces the token used by later requests.
func (b *base) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// call describes one request.
type call struct {
	method string
	path   string
	query  url.Values
	body   any
	// form builds a non-JSON body. It is called once per attempt.
	form func() (body io.Reader, contentType string, err error)
	// binary skips envelope decoding and returns the body as is.
	binary bool
	// full decodes the whole envelope into out instead of result.
	full bool
	// noToken omits the token header and the refresh retry.
	noToken bool
}

// do runs c, refreshing the token and replaying once when the server
// reports it invalid.
func (b *base) do(ctx context.Context, c call, out any) ([]byte, error) {
	data, err := b.once(ctx, c, out)
	if err == nil || c.noToken || b.refresh == nil || !apperr.IsInvalidToken(err) {
		return data, err
	}
	b.logger.Info("remote: token rejected, refreshing", slog.String("path", c.path))
	token, rerr := b.refresh(ctx)
	if rerr != nil {
		return nil, rerr
	}
	if token == "" {
		return nil, err
	}
	b.SetToken(token)
	return b.once(ctx, c, out)
}

func (b *base) url(c call) string {
	q := url.Values{}
	for k, v := range c.query {
		q[k] = v
	}
	q.Set("clientType", ClientType)
	q.Set("clientVersion", b.version)
	return b.server + c.path + "?" + q.Encode()
}

func (b *base) once(ctx context.Context, c call, out any) ([]byte, error) {
	op := c.method + " " + c.path
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case c.form != nil:
		var err error
		if body, contentType, err = c.form(); err != nil {
			return nil, err
		}
	case c.body != nil:
		data, err := json.Marshal(c.body)
		if err != nil {
			return nil, apperr.Internal("remote: encode "+op, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, c.method, b.url(c), body)
	if err != nil {
		return nil, apperr.Internal("remote: build "+op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !c.noToken {
		if token := b.Token(); token != "" {
			req.Header.Set(HeaderToken, token)
		}
	}

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, apperr.Network(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		if se := headerError(resp.Header); se != nil {
			return nil, se
		}
		return nil, apperr.Network(op, fmt.Errorf("status %s", resp.Status))
	}

	if c.binary {
		if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
			return nil, apperr.Network(op, fmt.Errorf("invalid content length: %d, %d", len(data), resp.ContentLength))
		}
		return data, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Internal("remote: decode "+op, err)
	}
	if env.ReturnCode != http.StatusOK {
		return nil, &apperr.ServerError{Code: env.ReturnCode, ExternCode: env.ExternCode, Message: env.ReturnMessage}
	}
	if out == nil {
		return data, nil
	}
	payload := []byte(env.Result)
	if c.full {
		payload = data
	}
	if len(payload) == 0 || string(payload) == "null" {
		return data, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, apperr.Internal("remote: decode "+op, err)
	}
	return data, nil
}

// headerError reads an error the server reported in response headers.
func headerError(h http.Header) *apperr.ServerError {
	raw := h.Get(HeaderCode)
	if raw == "" {
		return nil
	}
	code, err := strconv.Atoi(raw)
	if err != nil || code == 0 {
		return nil
	}
	return &apperr.ServerError{Code: code, ExternCode: h.Get(HeaderExternCode), Message: "server error"}
}
