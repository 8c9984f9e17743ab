package store

import (
	"context"
	"strings"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
)

// QueryFilter narrows QueryNotes. Zero fields do not filter.
type QueryFilter struct {
	Tags     []string
	Trash    bool
	Starred  bool
	Archived bool
	OnTop    bool
	Title    string
	Search   string
	WithText bool
}

type searchHit struct {
	GUID  string
	Title string
	Text  string
}

// ftsQuery quotes every term so user input cannot inject FTS5 syntax.
// Terms are AND-ed.
func ftsQuery(s string) string {
	terms := strings.Fields(s)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// QueryNotes lists notes matching filter. Without a search term the result
// is ordered by modification time, newest first. With one, the full-text
// ranking is kept and every note carries a Highlight.
func (db *DB) QueryNotes(ctx context.Context, offset, limit int, filter QueryFilter) ([]models.Note, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 100
	}

	conds := []string{"deleted = 0"}
	var args []any
	for _, tag := range filter.Tags {
		conds = append(conds, `tags LIKE ? ESCAPE '\'`)
		args = append(args, tagPattern(tag))
	}
	if filter.Trash {
		conds = append(conds, "trash = 1")
	} else {
		conds = append(conds, "trash = 0")
	}
	if filter.Starred {
		conds = append(conds, "starred = 1")
	}
	if filter.Archived {
		conds = append(conds, "archived = 1")
	}
	if filter.OnTop {
		conds = append(conds, "on_top = 1")
	}
	if filter.Title != "" {
		conds = append(conds, "title = ?")
		args = append(args, filter.Title)
	}
	where := "WHERE " + strings.Join(conds, " AND ")

	if strings.TrimSpace(filter.Search) == "" {
		notes, err := queryNotes(ctx, q, filter.WithText,
			where+" ORDER BY modified DESC LIMIT ? OFFSET ?", append(args, limit, offset)...)
		if err != nil {
			return nil, apperr.Internal("store: query notes", err)
		}
		return notes, nil
	}

	rows, err := q.QueryContext(ctx, "SELECT guid FROM wiz_note "+where, args...)
	if err != nil {
		return nil, apperr.Internal("store: query notes", err)
	}
	allowed, err := scanStrings(rows, "store: query notes")
	if err != nil {
		return nil, err
	}
	inFilter := make(map[string]struct{}, len(allowed))
	for _, g := range allowed {
		inFilter[g] = struct{}{}
	}

	hits, err := searchGUIDs(ctx, q, filter.Search)
	if err != nil {
		return nil, apperr.Internal("store: query notes", err)
	}
	ranked := make([]searchHit, 0, len(hits))
	for _, h := range hits {
		if _, ok := inFilter[h.GUID]; ok {
			ranked = append(ranked, h)
		}
	}
	if offset >= len(ranked) {
		return []models.Note{}, nil
	}
	ranked = ranked[offset:min(offset+limit, len(ranked))]

	guids := make([]string, len(ranked))
	for i, h := range ranked {
		guids[i] = h.GUID
	}
	inWhere, inArgs := inClause("guid", guids)
	notes, err := queryNotes(ctx, q, filter.WithText, "WHERE "+inWhere, inArgs...)
	if err != nil {
		return nil, apperr.Internal("store: query notes", err)
	}
	byGUID := make(map[string]models.Note, len(notes))
	for _, n := range notes {
		byGUID[n.GUID] = n
	}

	out := make([]models.Note, 0, len(ranked))
	for _, h := range ranked {
		n, ok := byGUID[h.GUID]
		if !ok {
			continue
		}
		n.Highlight = &models.Highlight{Title: h.Title, Text: h.Text}
		out = append(out, n)
	}
	return out, nil
}
