// Package remotetest runs an in-memory knowledge and account service for
// tests.
package remotetest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/remote"
)

// Route names accepted by Calls, FailNext and Gate.
const (
	RouteLogin            = "login"
	RouteUploadNote       = "uploadNote"
	RouteUploadResource   = "uploadResource"
	RouteDownloadNote     = "downloadNote"
	RouteDownloadResource = "downloadResource"
	RouteListNotes        = "listNotes"
	RouteListDeleted      = "listDeleted"
	RouteUploadDeleted    = "uploadDeleted"
	RouteListTags         = "listTags"
)

type failure struct {
	code     int
	extern   string
	inHeader bool
}

type account struct {
	password string
	user     models.User
}

// Server is a fake of both services. The zero value is not usable; call
// New.
type Server struct {
	*httptest.Server
	KB string

	mu        sync.Mutex
	version   int64
	notes     map[string]remote.ServerNote
	bodies    map[string]string
	resources map[string]map[string][]byte
	deleted   []models.Tombstone
	tags      []remote.ServerTag
	accounts  map[string]*account
	tokens    map[string]string
	calls     map[string]int
	failures  map[string][]failure
	gates     map[string]chan struct{}
	uploads   []remote.ServerNote
}

// New starts a server bound to KB "kb1" and closes it with the test.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		KB:        "kb1",
		notes:     make(map[string]remote.ServerNote),
		bodies:    make(map[string]string),
		resources: make(map[string]map[string][]byte),
		accounts:  make(map[string]*account),
		tokens:    make(map[string]string),
		calls:     make(map[string]int),
		failures:  make(map[string][]failure),
		gates:     make(map[string]chan struct{}),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/as/user/login", s.track(RouteLogin, false, s.login))
	r.Route("/ks", func(r chi.Router) {
		r.Post("/note/upload/{kb}/{guid}", s.track(RouteUploadNote, true, s.uploadNote))
		r.Post("/object/upload/{kb}/{guid}", s.track(RouteUploadResource, true, s.uploadResource))
		r.Get("/note/download/{kb}/{guid}", s.track(RouteDownloadNote, true, s.downloadNote))
		r.Get("/object/download/{kb}/{guid}", s.track(RouteDownloadResource, true, s.downloadResource))
		r.Get("/note/list/version/{kb}", s.track(RouteListNotes, true, s.listNotes))
		r.Get("/deleted/list/version/{kb}", s.track(RouteListDeleted, true, s.listDeleted))
		r.Post("/deleted/upload/{kb}", s.track(RouteUploadDeleted, true, s.uploadDeleted))
		r.Get("/tag/list/version/{kb}", s.track(RouteListTags, true, s.listTags))
	})
	return r
}

// track counts the call, waits on a gate, applies injected failures and
// checks the token before running h.
func (s *Server) track(route string, auth bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		gate := s.gates[route]
		var fail *failure
		if q := s.failures[route]; len(q) > 0 {
			fail = &q[0]
			s.failures[route] = q[1:]
		}
		_, tokenOK := s.tokens[r.Header.Get(remote.HeaderToken)]
		s.mu.Unlock()

		if gate != nil {
			<-gate
		}
		if fail != nil {
			if fail.inHeader {
				w.Header().Set(remote.HeaderCode, strconv.Itoa(fail.code))
				if fail.extern != "" {
					w.Header().Set(remote.HeaderExternCode, fail.extern)
				}
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			writeError(w, fail.code, fail.extern, "injected failure")
			return
		}
		if auth && !tokenOK {
			writeError(w, apperr.CodeInvalidToken, "WizErrorInvalidToken", "invalid token")
			return
		}
		if kb := chi.URLParam(r, "kb"); kb != "" && kb != s.KB {
			writeError(w, 404, "WizErrorNotExistsInDb", "unknown kb")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, extern, msg string) {
	writeJSON(w, map[string]any{"returnCode": code, "returnMessage": msg, "externCode": extern})
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, map[string]any{"returnCode": 200, "returnMessage": "OK", "result": result})
}

// AddUser registers an account and returns its record.
func (s *Server) AddUser(userID, password string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := models.User{
		UserGUID: uuid.NewString(),
		UserID:   userID,
		KBGUID:   s.KB,
		KBServer: s.URL,
		KBType:   "person",
	}
	s.accounts[userID] = &account{password: password, user: u}
	return u
}

// IssueToken returns a valid token without a login round trip.
func (s *Server) IssueToken(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.tokens[token] = userID
	return token
}

// ExpireTokens invalidates every issued token.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	clear(s.tokens)
	s.mu.Unlock()
}

// Calls returns how many requests route received.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// FailNext makes the next request to route fail with code and extern in
// the response envelope.
func (s *Server) FailNext(route string, code int, extern string) {
	s.mu.Lock()
	s.failures[route] = append(s.failures[route], failure{code: code, extern: extern})
	s.mu.Unlock()
}

// FailNextInHeader makes the next request to route fail with a non-200
// status carrying the error in headers.
func (s *Server) FailNextInHeader(route string, code int, extern string) {
	s.mu.Lock()
	s.failures[route] = append(s.failures[route], failure{code: code, extern: extern, inHeader: true})
	s.mu.Unlock()
}

// Gate holds requests to route until the returned channel is closed.
func (s *Server) Gate(route string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[route] = ch
	s.mu.Unlock()
	return ch
}

// PutNote stores a note with a Markdown body as if another device had
// uploaded it, and returns its version.
func (s *Server) PutNote(n remote.ServerNote, markdown string, resources map[string][]byte) int64 {
	html, _ := remote.MarkdownToHTML(markdown)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	n.Version = s.version
	n.KBGUID = s.KB
	if n.Type == "" {
		n.Type = models.TypeLiteMarkdown
	}
	n.HTML = ""
	n.Resources = nil
	for name, data := range resources {
		n.Resources = append(n.Resources, models.Resource{Name: name, Size: int64(len(data))})
	}
	s.notes[n.DocGUID] = n
	s.bodies[n.DocGUID] = html
	if len(resources) > 0 {
		s.resources[n.DocGUID] = resources
	}
	return n.Version
}

// DeleteNote removes a note and records its tombstone.
func (s *Server) DeleteNote(guid string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	delete(s.notes, guid)
	delete(s.bodies, guid)
	delete(s.resources, guid)
	s.deleted = append(s.deleted, models.Tombstone{
		DeletedGUID: guid,
		Type:        models.TombstoneDocument,
		Version:     uint64(s.version),
	})
	return s.version
}

// AddTag appends a tag to the tag stream.
func (s *Server) AddTag(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	s.tags = append(s.tags, remote.ServerTag{TagGUID: uuid.NewString(), Name: name, Version: s.version})
}

// Note returns the stored metadata of guid.
func (s *Server) Note(guid string) (remote.ServerNote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[guid]
	return n, ok
}

// Markdown returns the stored body of guid.
func (s *Server) Markdown(guid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return remote.MarkdownFromHTML(s.bodies[guid])
}

// Resource returns a stored resource.
func (s *Server) Resource(guid, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.resources[guid][name]
	return data, ok
}

// Uploads returns every note upload received, in order.
func (s *Server) Uploads() []remote.ServerNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.ServerNote(nil), s.uploads...)
}

// Tombstones returns the recorded deletions.
func (s *Server) Tombstones() []models.Tombstone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Tombstone(nil), s.deleted...)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"userId"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.CodeInvalidParam, "", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[req.UserID]
	if !ok || acc.password != req.Password {
		writeError(w, apperr.CodeInvalidPassword, apperr.ExternInvalidPassword, "invalid password")
		return
	}
	token := uuid.NewString()
	s.tokens[token] = req.UserID
	u := acc.user
	u.Token = token
	writeResult(w, u)
}

func (s *Server) uploadNote(w http.ResponseWriter, r *http.Request) {
	var n remote.ServerNote
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, apperr.CodeInvalidParam, "", err.Error())
		return
	}
	guid := chi.URLParam(r, "guid")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, n)

	_, hasBody := s.bodies[guid]
	if n.HTML == "" && !hasBody {
		writeError(w, 500, apperr.ExternUploadNoteData, "note data required")
		return
	}
	if n.HTML != "" {
		s.bodies[guid] = n.HTML
	}
	var missing []string
	for _, res := range n.Resources {
		if _, ok := s.resources[guid][res.Name]; !ok {
			missing = append(missing, res.Name)
		}
	}
	s.version++
	n.Version = s.version
	n.HTML = ""
	s.notes[guid] = n
	writeJSON(w, map[string]any{
		"returnCode": 200,
		"version":    n.Version,
		"key":        guid,
		"resources":  missing,
	})
}

func (s *Server) uploadResource(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, apperr.CodeInvalidParam, "", err.Error())
		return
	}
	f, _, err := r.FormFile("data")
	if err != nil {
		writeError(w, apperr.CodeInvalidParam, "", err.Error())
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, apperr.CodeInvalidParam, "", err.Error())
		return
	}
	guid := chi.URLParam(r, "guid")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[guid] == nil {
		s.resources[guid] = make(map[string][]byte)
	}
	s.resources[guid][r.FormValue("objId")] = data
	writeJSON(w, map[string]any{"returnCode": 200, "version": s.notes[guid].Version})
}

func (s *Server) downloadNote(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	s.mu.Lock()
	html, ok := s.bodies[guid]
	n := s.notes[guid]
	s.mu.Unlock()
	if !ok {
		writeError(w, 404, "WizErrorNotExistsInDb", "note not found")
		return
	}
	writeJSON(w, map[string]any{"returnCode": 200, "html": html, "resources": n.Resources})
}

func (s *Server) downloadResource(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")
	s.mu.Lock()
	data, ok := s.resources[guid][r.URL.Query().Get("objId")]
	s.mu.Unlock()
	if !ok {
		w.Header().Set(remote.HeaderCode, "404")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func page(r *http.Request) (since int64, count int) {
	since, _ = strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	count, _ = strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 {
		count = 100
	}
	return since, count
}

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	since, count := page(r)
	s.mu.Lock()
	out := []remote.ServerNote{}
	for _, n := range s.notes {
		if n.Version >= since {
			out = append(out, n)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if len(out) > count {
		out = out[:count]
	}
	writeResult(w, out)
}

func (s *Server) listDeleted(w http.ResponseWriter, r *http.Request) {
	since, count := page(r)
	s.mu.Lock()
	out := []models.Tombstone{}
	for _, d := range s.deleted {
		if int64(d.Version) >= since {
			out = append(out, d)
		}
	}
	s.mu.Unlock()
	if len(out) > count {
		out = out[:count]
	}
	writeResult(w, out)
}

func (s *Server) uploadDeleted(w http.ResponseWriter, r *http.Request) {
	var objects []models.Tombstone
	if err := json.NewDecoder(r.Body).Decode(&objects); err != nil {
		writeError(w, apperr.CodeInvalidParam, "", err.Error())
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range objects {
		s.version++
		o.Version = uint64(s.version)
		delete(s.notes, o.DeletedGUID)
		delete(s.bodies, o.DeletedGUID)
		delete(s.resources, o.DeletedGUID)
		s.deleted = append(s.deleted, o)
	}
	writeJSON(w, map[string]any{"returnCode": 200, "version": s.version})
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	since, count := page(r)
	s.mu.Lock()
	out := []remote.ServerTag{}
	for _, t := range s.tags {
		if t.Version >= since {
			out = append(out, t)
		}
	}
	s.mu.Unlock()
	if len(out) > count {
		out = out[:count]
	}
	writeResult(w, out)
}
