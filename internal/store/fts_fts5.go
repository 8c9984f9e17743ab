//go:build sqlite_fts5

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const ftsTableSQL = `CREATE VIRTUAL TABLE IF NOT EXISTS fts_note USING fts5(
	guid UNINDEXED,
	title,
	text,
	tokenize = '%s'
)`

const ftsBackfillSQL = `INSERT INTO fts_note (guid, title, text)
	SELECT guid, title, text FROM wiz_note WHERE deleted = 0`

// ftsMigration creates the full-text table, preferring the cjk tokenizer
// when the SQLite build provides it.
func ftsMigration() (migration, bool) {
	return migration{
		Version:    "3-fts",
		Statements: []string{fmt.Sprintf(ftsTableSQL, "cjk"), ftsBackfillSQL},
		Fallback:   []string{fmt.Sprintf(ftsTableSQL, "unicode61 remove_diacritics 2"), ftsBackfillSQL},
	}, true
}

// ftsOpen rebuilds the index when a build without FTS5 has written to the
// database since the index was last complete.
func ftsOpen(ctx context.Context, conn *sql.DB) error {
	_, stale, err := getMeta(ctx, conn, metaFTSStale)
	if err != nil || !stale {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{`DELETE FROM fts_note`, ftsBackfillSQL} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild fts: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wiz_meta WHERE key = ?`, metaFTSStale); err != nil {
		return fmt.Errorf("rebuild fts: %w", err)
	}
	return tx.Commit()
}

func ftsUpsert(ctx context.Context, q querier, guid, title, text string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM fts_note WHERE guid = ?`, guid); err != nil {
		return fmt.Errorf("store: delete fts: %w", err)
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO fts_note (guid, title, text) VALUES (?, ?, ?)`,
		guid, title, text); err != nil {
		return fmt.Errorf("store: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(ctx context.Context, q querier, guid string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM fts_note WHERE guid = ?`, guid); err != nil {
		return fmt.Errorf("store: delete fts: %w", err)
	}
	return nil
}

// searchGUIDs runs a full-text query ranked by bm25 with the title weighted
// far above the body.
func searchGUIDs(ctx context.Context, q querier, text string) ([]searchHit, error) {
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT guid,
		       highlight(fts_note, 1, '<em>', '</em>'),
		       snippet(fts_note, 2, '<em>', '</em>', '...', 32)
		FROM fts_note
		WHERE fts_note MATCH ?
		ORDER BY bm25(fts_note, 1.0, 100.0, 1.0)
	`, match)
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
