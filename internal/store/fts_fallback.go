//go:build !sqlite_fts5

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

func ftsMigration() (migration, bool) {
	// FTS5 not compiled in; search scans wiz_note with LIKE.
	return migration{}, false
}

// ftsOpen marks the full-text index stale. Notes written by this build are
// not indexed, so an FTS5 build opening the database later rebuilds it.
func ftsOpen(ctx context.Context, conn *sql.DB) error {
	return setMeta(ctx, conn, metaFTSStale, "1", time.Now().UnixMilli())
}

func ftsUpsert(_ context.Context, _ querier, _, _, _ string) error { return nil }

func ftsDelete(_ context.Context, _ querier, _ string) error { return nil }

// searchGUIDs matches every search term against title or text. Wildcards
// in the terms match literally. Title hits rank first, then most recently
// modified.
func searchGUIDs(ctx context.Context, q querier, text string) ([]searchHit, error) {
	terms := strings.Fields(text)
	if len(terms) == 0 {
		return nil, nil
	}
	var (
		conds []string
		args  []any
	)
	for _, term := range terms {
		like := "%" + likeEscaper.Replace(term) + "%"
		conds = append(conds, `(title LIKE ? ESCAPE '\' OR text LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	args = append(args, "%"+likeEscaper.Replace(terms[0])+"%")
	rows, err := q.QueryContext(ctx, `
		SELECT guid, title, substr(text, 1, 200)
		FROM wiz_note
		WHERE deleted = 0 AND `+strings.Join(conds, " AND ")+`
		ORDER BY (title LIKE ? ESCAPE '\') DESC, modified DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()

	var out []searchHit
	for rows.Next() {
		var h searchHit
		if err := rows.Scan(&h.GUID, &h.Title, &h.Text); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
