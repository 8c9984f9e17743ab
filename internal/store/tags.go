package store

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/parser"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// tagPattern matches a stored tag value containing tag or one of its
// children.
func tagPattern(tag string) string {
	return "%#" + likeEscaper.Replace(parser.NormalizeTag(tag)) + "/%"
}

// RenameTag rewrites #from to #to in every materialized note carrying the
// tag. It returns the guids of the rewritten notes and publishes
// tagRenamed when at least one note changed.
func (db *DB) RenameTag(ctx context.Context, from, to string) ([]string, error) {
	from, to = parser.NormalizeTag(from), parser.NormalizeTag(to)
	if from == "" || to == "" {
		return nil, apperr.InvalidParam("rename tag: empty tag name")
	}

	var renamed []string
	err := db.tx(ctx, "rename tag", func(tx *sql.Tx, em *emitter) error {
		guids, err := notesByTag(ctx, tx, from)
		if err != nil {
			return err
		}
		for _, guid := range guids {
			body, err := db.blobs.ReadNote(guid)
			if errors.Is(err, fs.ErrNotExist) {
				db.logger.Warn("store: rename tag skipped note without local body",
					slog.String("guid", guid))
				continue
			}
			if err != nil {
				return apperr.Internal("store: rename tag", err)
			}
			rewritten := parser.ReplaceTag(string(body), from, to)
			if rewritten == string(body) {
				continue
			}
			if _, err := db.setContent(ctx, tx, em, guid, rewritten,
				ContentOptions{NoModifyTime: true}, true); err != nil {
				return err
			}
			renamed = append(renamed, guid)
		}
		if len(renamed) > 0 {
			em.emit(events.TagRenamed, events.TagRenamedData{From: from, To: to})
		}
		return nil
	})
	return renamed, err
}

// GetNotesByTag returns the guids of live notes carrying tag or a child of
// it.
func (db *DB) GetNotesByTag(ctx context.Context, tag string) ([]string, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	return notesByTag(ctx, q, tag)
}

func notesByTag(ctx context.Context, q querier, tag string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT guid FROM wiz_note WHERE deleted = 0 AND tags LIKE ? ESCAPE '\'`, tagPattern(tag))
	if err != nil {
		return nil, apperr.Internal("store: notes by tag", err)
	}
	return scanStrings(rows, "store: notes by tag")
}

// GetAllTagNames returns every tag used by a note outside the trash,
// sorted.
func (db *DB) GetAllTagNames(ctx context.Context) ([]string, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	return allTagNames(ctx, q)
}

func allTagNames(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT tags FROM wiz_note WHERE trash = 0 AND deleted = 0 AND tags != ''`)
	if err != nil {
		return nil, apperr.Internal("store: all tag names", err)
	}
	values, err := scanStrings(rows, "store: all tag names")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, v := range values {
		for _, t := range parser.SplitTags(v) {
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetAllTags returns the tag hierarchy keyed by first path segment.
func (db *DB) GetAllTags(ctx context.Context) (map[string]*models.TagNode, error) {
	names, err := db.GetAllTagNames(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTagTree(names), nil
}

// BuildTagTree folds "a/b/c" style names into a tree.
func BuildTagTree(names []string) map[string]*models.TagNode {
	root := make(map[string]*models.TagNode)
	for _, name := range names {
		level := root
		full := ""
		for _, part := range strings.Split(name, "/") {
			if part == "" {
				continue
			}
			if full == "" {
				full = part
			} else {
				full += "/" + part
			}
			node, ok := level[part]
			if !ok {
				node = &models.TagNode{Name: part, FullPath: full}
				level[part] = node
			}
			if node.Children == nil {
				node.Children = make(map[string]*models.TagNode)
			}
			level = node.Children
		}
	}
	prune(root)
	return root
}

func prune(level map[string]*models.TagNode) {
	for _, n := range level {
		if len(n.Children) == 0 {
			n.Children = nil
			continue
		}
		prune(n.Children)
	}
}

// GetNoteTags returns the tags of a note.
func (db *DB) GetNoteTags(ctx context.Context, guid string) ([]string, error) {
	n, err := db.GetNote(ctx, guid)
	if err != nil {
		return nil, err
	}
	return parser.SplitTags(n.Tags), nil
}

// GetNoteLinks returns the sorted titles a note links to.
func (db *DB) GetNoteLinks(ctx context.Context, guid string) ([]string, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	return noteLinks(ctx, q, guid)
}

func noteLinks(ctx context.Context, q querier, guid string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT note_title FROM wiz_note_links WHERE note_guid = ? ORDER BY note_title`, guid)
	if err != nil {
		return nil, apperr.Internal("store: note links", err)
	}
	return scanStrings(rows, "store: note links")
}

func linkSources(ctx context.Context, q querier, title string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT note_guid FROM wiz_note_links WHERE note_title = ?`, title)
	if err != nil {
		return nil, apperr.Internal("store: link sources", err)
	}
	return scanStrings(rows, "store: link sources")
}

// GetAllLinks returns every stored link.
func (db *DB) GetAllLinks(ctx context.Context) ([]models.Backlink, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT note_guid, note_title FROM wiz_note_links`)
	if err != nil {
		return nil, apperr.Internal("store: all links", err)
	}
	defer rows.Close()

	out := []models.Backlink{}
	for rows.Next() {
		var l models.Backlink
		if err := rows.Scan(&l.NoteGUID, &l.Title); err != nil {
			return nil, apperr.Internal("store: all links", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("store: all links", err)
	}
	return out, nil
}

// GetBacklinkedNotes returns the notes that link to title.
func (db *DB) GetBacklinkedNotes(ctx context.Context, title string) ([]models.Note, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	guids, err := linkSources(ctx, q, title)
	if err != nil {
		return nil, err
	}
	return db.GetNotesByGUID(ctx, guids)
}

// GetAllTitles returns note titles, most recently modified first.
func (db *DB) GetAllTitles(ctx context.Context) ([]string, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT title FROM wiz_note WHERE deleted = 0 ORDER BY modified DESC`)
	if err != nil {
		return nil, apperr.Internal("store: all titles", err)
	}
	return scanStrings(rows, "store: all titles")
}

func scanStrings(rows *sql.Rows, op string) ([]string, error) {
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, apperr.Internal(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(op, err)
	}
	return out, nil
}
