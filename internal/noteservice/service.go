// Package noteservice is the application facade over the note store and
// the sync session. Every local mutation schedules a debounced upload.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/asset"
	"github.com/starford/notesync/internal/checksum"
	"github.com/starford/notesync/internal/kbsync"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/parser"
	"github.com/starford/notesync/internal/session"
	"github.com/starford/notesync/internal/store"
)

// graphLimit bounds the number of notes placed in the link graph.
const graphLimit = 5000

// NoteDetail is the full representation of a note.
type NoteDetail struct {
	*models.Note
	Markdown  string         `json:"markdown"`
	Checksum  string         `json:"checksum"`
	TagList   []string       `json:"tagList"`
	Links     []string       `json:"links"`
	Backlinks []NoteListItem `json:"backlinks"`
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	GUID       string            `json:"guid"`
	Title      string            `json:"title"`
	Abstract   string            `json:"abstract"`
	Tags       []string          `json:"tags"`
	Starred    bool              `json:"starred"`
	Archived   bool              `json:"archived"`
	OnTop      bool              `json:"onTop"`
	Trash      bool              `json:"trash"`
	Downloaded bool              `json:"downloaded"`
	Dirty      bool              `json:"dirty"`
	Modified   time.Time         `json:"modified"`
	Highlight  *models.Highlight `json:"highlight,omitempty"`
}

// GraphNode is a note in the link graph.
type GraphNode struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// GraphLink connects the note Source to the note Target.
type GraphLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Flags is a partial update of note flags. Nil fields are left untouched.
type Flags struct {
	Starred  *bool `json:"starred,omitempty"`
	Archived *bool `json:"archived,omitempty"`
	OnTop    *bool `json:"onTop,omitempty"`
}

// Service coordinates store, sync and asset operations.
type Service struct {
	db     *store.DB
	coord  *session.Coordinator
	assets *asset.Store
	logger *slog.Logger
}

// NewService creates a new note service. coord may be nil, in which case
// notes are only edited locally.
func NewService(db *store.DB, coord *session.Coordinator, assets *asset.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if assets == nil {
		assets = asset.NewStore(db.Blobs(), nil, logger)
	}
	return &Service{db: db, coord: coord, assets: assets, logger: logger}
}

func (s *Service) engine() *kbsync.Engine {
	if s.coord == nil {
		return nil
	}
	return s.coord.Engine()
}

// scheduleUpload requests a debounced upload-only sync.
func (s *Service) scheduleUpload(ctx context.Context) {
	if s.coord == nil {
		return
	}
	if _, err := s.coord.Sync(ctx, kbsync.Options{UploadOnly: true}); err != nil && !errors.Is(err, apperr.ErrNoAccount) {
		s.logger.Warn("noteservice: schedule sync failed", slog.String("error", err.Error()))
	}
}

// markdown returns the body of guid, fetching it from the remote when it
// is not present locally and an account is bound.
func (s *Service) markdown(ctx context.Context, guid string) (string, error) {
	if e := s.engine(); e != nil {
		return e.FetchNote(ctx, guid)
	}
	return s.db.NoteMarkdown(ctx, guid)
}

// GetNote returns a note with its body, tags, links and backlinks.
func (s *Service) GetNote(ctx context.Context, guid string) (*NoteDetail, error) {
	md, err := s.markdown(ctx, guid)
	if err != nil {
		return nil, err
	}
	n, err := s.db.GetNote(ctx, guid)
	if err != nil {
		return nil, err
	}
	return s.buildNoteDetail(ctx, n, md)
}

func (s *Service) buildNoteDetail(ctx context.Context, n *models.Note, md string) (*NoteDetail, error) {
	tags, err := s.db.GetNoteTags(ctx, n.GUID)
	if err != nil {
		return nil, err
	}
	links, err := s.db.GetNoteLinks(ctx, n.GUID)
	if err != nil {
		return nil, err
	}
	back, err := s.db.GetBacklinkedNotes(ctx, n.Title)
	if err != nil {
		return nil, err
	}
	return &NoteDetail{
		Note:      n,
		Markdown:  md,
		Checksum:  checksum.String(md),
		TagList:   nonNilSlice(tags),
		Links:     nonNilSlice(links),
		Backlinks: toListItems(back),
	}, nil
}

// CreateNote creates a local note. An empty markdown uses the note
// template.
func (s *Service) CreateNote(ctx context.Context, opts store.CreateNoteOptions) (*NoteDetail, error) {
	n, err := s.db.CreateNote(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.scheduleUpload(ctx)
	md, err := s.db.NoteMarkdown(ctx, n.GUID)
	if err != nil {
		return nil, err
	}
	return s.buildNoteDetail(ctx, n, md)
}

// UpdateNote replaces the body of a note. When ifMatch is set it must equal
// the checksum of the current body.
func (s *Service) UpdateNote(ctx context.Context, guid, markdown, ifMatch string) (*NoteDetail, error) {
	if ifMatch != "" {
		current, err := s.markdown(ctx, guid)
		if err != nil {
			return nil, err
		}
		if checksum.String(current) != ifMatch {
			return nil, apperr.ErrConflict
		}
	}
	n, err := s.db.SetNoteContent(ctx, guid, markdown, store.ContentOptions{})
	if err != nil {
		return nil, err
	}
	s.scheduleUpload(ctx)
	md, err := s.db.NoteMarkdown(ctx, guid)
	if err != nil {
		return nil, err
	}
	return s.buildNoteDetail(ctx, n, md)
}

// SetFlags applies a partial flag update.
func (s *Service) SetFlags(ctx context.Context, guid string, f Flags) (*models.Note, error) {
	n, err := s.db.GetNote(ctx, guid)
	if err != nil {
		return nil, err
	}
	if f.Starred != nil {
		if n, err = s.db.SetNoteStarred(ctx, guid, *f.Starred); err != nil {
			return nil, err
		}
	}
	if f.Archived != nil {
		if n, err = s.db.SetNoteArchived(ctx, guid, *f.Archived); err != nil {
			return nil, err
		}
	}
	if f.OnTop != nil {
		if n, err = s.db.SetNoteOnTop(ctx, guid, *f.OnTop); err != nil {
			return nil, err
		}
	}
	s.scheduleUpload(ctx)
	return n, nil
}

// DeleteNote moves a note to the trash. A note already in the trash is
// deleted and its tombstone queued for upload.
func (s *Service) DeleteNote(ctx context.Context, guid string) error {
	n, err := s.db.GetNote(ctx, guid)
	if err != nil {
		return err
	}
	if n.Trash {
		err = s.db.DeleteFromTrash(ctx, guid)
	} else {
		_, err = s.db.MoveToTrash(ctx, guid)
	}
	if err != nil {
		return err
	}
	s.scheduleUpload(ctx)
	return nil
}

// RestoreNote puts a note back from the trash.
func (s *Service) RestoreNote(ctx context.Context, guid string) (*models.Note, error) {
	n, err := s.db.PutBackFromTrash(ctx, guid)
	if err != nil {
		return nil, err
	}
	s.scheduleUpload(ctx)
	return n, nil
}

// ListNotes returns a page of notes matching filter.
func (s *Service) ListNotes(ctx context.Context, offset, limit int, filter store.QueryFilter) ([]NoteListItem, error) {
	notes, err := s.db.QueryNotes(ctx, offset, limit, filter)
	if err != nil {
		return nil, err
	}
	return toListItems(notes), nil
}

// Search runs a full-text query.
func (s *Service) Search(ctx context.Context, query string, offset, limit int) ([]NoteListItem, error) {
	if query == "" {
		return nil, apperr.InvalidParam("empty search query")
	}
	return s.ListNotes(ctx, offset, limit, store.QueryFilter{Search: query})
}

// Tags returns the tag hierarchy.
func (s *Service) Tags(ctx context.Context) (map[string]*models.TagNode, error) {
	return s.db.GetAllTags(ctx)
}

// RenameTag renames a tag and its children in every note. Bodies of
// affected notes are fetched first so that no note misses the rename.
func (s *Service) RenameTag(ctx context.Context, from, to string) ([]string, error) {
	if e := s.engine(); e != nil {
		guids, err := s.db.GetNotesByTag(ctx, from)
		if err != nil {
			return nil, err
		}
		for _, guid := range guids {
			if _, err := e.FetchNote(ctx, guid); err != nil {
				s.logger.Warn("noteservice: prefetch for tag rename failed",
					slog.String("guid", guid),
					slog.String("error", err.Error()))
			}
		}
	}
	changed, err := s.db.RenameTag(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		s.scheduleUpload(ctx)
	}
	return changed, nil
}

// Backlinks returns the notes that link to title.
func (s *Service) Backlinks(ctx context.Context, title string) ([]NoteListItem, error) {
	notes, err := s.db.GetBacklinkedNotes(ctx, title)
	if err != nil {
		return nil, err
	}
	return toListItems(notes), nil
}

// Titles returns every note title, e.g. for link completion.
func (s *Service) Titles(ctx context.Context) ([]string, error) {
	return s.db.GetAllTitles(ctx)
}

// Graph returns notes and the links between them. Links to titles that no
// note carries are left out.
func (s *Service) Graph(ctx context.Context) ([]GraphNode, []GraphLink, error) {
	notes, err := s.db.QueryNotes(ctx, 0, graphLimit, store.QueryFilter{})
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]GraphNode, 0, len(notes))
	byTitle := make(map[string][]string, len(notes))
	for _, n := range notes {
		nodes = append(nodes, GraphNode{ID: n.GUID, Title: n.Title})
		byTitle[n.Title] = append(byTitle[n.Title], n.GUID)
	}

	all, err := s.db.GetAllLinks(ctx)
	if err != nil {
		return nil, nil, err
	}
	links := []GraphLink{}
	for _, l := range all {
		for _, target := range byTitle[l.Title] {
			links = append(links, GraphLink{Source: l.NoteGUID, Target: target})
		}
	}
	return nodes, links, nil
}

// Resource returns a resource of a note, downloading it when it is not
// stored locally and an account is bound.
func (s *Service) Resource(ctx context.Context, guid, name string) ([]byte, error) {
	if e := s.engine(); e != nil {
		return e.DownloadNoteResource(ctx, guid, name)
	}
	data, err := s.db.Blobs().ReadResource(guid, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotExists("resource %s/%s", guid, name)
	}
	return data, err
}

// AddResource stores an uploaded file as a resource of a note and returns
// the Markdown image that references it.
func (s *Service) AddResource(ctx context.Context, guid, filename string, data []byte) (string, error) {
	if _, err := s.db.GetNote(ctx, guid); err != nil {
		return "", err
	}
	name, err := s.assets.Save(guid, filename, data)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("![%s](%s%s)", name, parser.ResourcePrefix, name), nil
}

// ImportResource fetches rawURL into the resources of a note and returns
// the Markdown image that references it.
func (s *Service) ImportResource(ctx context.Context, guid, rawURL, filename string) (string, error) {
	if _, err := s.db.GetNote(ctx, guid); err != nil {
		return "", err
	}
	name, err := s.assets.Import(ctx, guid, rawURL, filename)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("![%s](%s%s)", name, parser.ResourcePrefix, name), nil
}

// Sync starts a manual sync and waits for it.
func (s *Service) Sync(ctx context.Context) (*kbsync.Result, error) {
	if s.coord == nil {
		return nil, apperr.ErrNoAccount
	}
	return s.coord.Sync(ctx, kbsync.Options{Manual: true})
}

// SyncStatus reports whether an account is bound and a run is active.
type SyncStatus struct {
	Bound   bool   `json:"bound"`
	Running bool   `json:"running"`
	KB      string `json:"kbGuid,omitempty"`
	State   string `json:"state,omitempty"`
}

// Status returns the sync status.
func (s *Service) Status() SyncStatus {
	st := SyncStatus{KB: s.db.KB()}
	if s.coord == nil {
		return st
	}
	st.Running = s.coord.Running()
	if e := s.coord.Engine(); e != nil {
		st.Bound = true
		st.State = e.State().String()
	}
	return st
}

// Bind logs in to server and runs the first sync of the account.
func (s *Service) Bind(ctx context.Context, server, userID, password string) (*kbsync.Result, error) {
	if s.coord == nil {
		return nil, apperr.InvalidParam("sync is disabled")
	}
	return s.coord.Bind(ctx, server, userID, password)
}

func toListItems(notes []models.Note) []NoteListItem {
	items := make([]NoteListItem, len(notes))
	for i, n := range notes {
		items[i] = NoteListItem{
			GUID:       n.GUID,
			Title:      n.Title,
			Abstract:   n.Abstract,
			Tags:       nonNilSlice(parser.SplitTags(n.Tags)),
			Starred:    n.Starred,
			Archived:   n.Archived,
			OnTop:      n.OnTop,
			Trash:      n.Trash,
			Downloaded: n.LocalStatus == models.StatusDownloaded,
			Dirty:      n.Revision.IsDirty(),
			Modified:   n.Modified,
			Highlight:  n.Highlight,
		}
	}
	return items
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
