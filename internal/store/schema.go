package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// migration is one schema step recorded in the ledger. Fallback, when set,
// is tried in a fresh transaction if Statements fail.
type migration struct {
	Version    string
	Statements []string
	Fallback   []string
}

const ledgerSQL = `
CREATE TABLE IF NOT EXISTS wiz_db_version (
	version  TEXT PRIMARY KEY,
	executed INTEGER NOT NULL
)`

var coreMigrations = []migration{
	{
		Version: "1",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS wiz_meta (
				key     TEXT PRIMARY KEY,
				value   TEXT NOT NULL DEFAULT '',
				updated INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS wiz_note (
				guid             TEXT PRIMARY KEY,
				kb_guid          TEXT NOT NULL DEFAULT '',
				title            TEXT NOT NULL DEFAULT '',
				category         TEXT NOT NULL DEFAULT '',
				name             TEXT NOT NULL DEFAULT '',
				seo              TEXT NOT NULL DEFAULT '',
				url              TEXT NOT NULL DEFAULT '',
				tags             TEXT NOT NULL DEFAULT '',
				owner            TEXT NOT NULL DEFAULT '',
				type             TEXT NOT NULL DEFAULT '',
				file_type        TEXT NOT NULL DEFAULT '',
				created          INTEGER NOT NULL DEFAULT 0,
				modified         INTEGER NOT NULL DEFAULT 0,
				data_modified    INTEGER NOT NULL DEFAULT 0,
				encrypted        INTEGER NOT NULL DEFAULT 0,
				attachment_count INTEGER NOT NULL DEFAULT 0,
				data_md5         TEXT NOT NULL DEFAULT '',
				version          INTEGER NOT NULL DEFAULT -2,
				local_status     INTEGER NOT NULL DEFAULT 0,
				abstract         TEXT NOT NULL DEFAULT '',
				text             TEXT NOT NULL DEFAULT '',
				starred          INTEGER NOT NULL DEFAULT 0,
				archived         INTEGER NOT NULL DEFAULT 0,
				on_top           INTEGER NOT NULL DEFAULT 0,
				trash            INTEGER NOT NULL DEFAULT 0,
				deleted          INTEGER NOT NULL DEFAULT 0,
				last_synced      INTEGER NOT NULL DEFAULT 0,
				blob_md5         TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_note_modified ON wiz_note(modified)`,
			`CREATE INDEX IF NOT EXISTS idx_note_version ON wiz_note(version)`,
			`CREATE INDEX IF NOT EXISTS idx_note_title ON wiz_note(title)`,
		},
	},
	{
		Version: "2",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS wiz_note_links (
				note_guid  TEXT NOT NULL,
				note_title TEXT NOT NULL,
				UNIQUE(note_guid, note_title)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_links_guid ON wiz_note_links(note_guid)`,
			`CREATE INDEX IF NOT EXISTS idx_links_title ON wiz_note_links(note_title)`,
		},
	},
}

// editSeqMigration adds the local edit counter uploads are checked against.
var editSeqMigration = migration{
	Version: "4-edit-seq",
	Statements: []string{
		`ALTER TABLE wiz_note ADD COLUMN edit_seq INTEGER NOT NULL DEFAULT 0`,
	},
}

func migrations() []migration {
	out := append([]migration(nil), coreMigrations...)
	if m, ok := ftsMigration(); ok {
		out = append(out, m)
	}
	return append(out, editSeqMigration)
}

// migrate applies every migration not yet recorded in wiz_db_version. Each
// migration commits together with its ledger row.
func migrate(ctx context.Context, conn *sql.DB, steps []migration, logger *slog.Logger) error {
	if _, err := conn.ExecContext(ctx, ledgerSQL); err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	applied := make(map[string]struct{})
	rows, err := conn.QueryContext(ctx, `SELECT version FROM wiz_db_version`)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("read ledger: %w", err)
		}
		applied[v] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	for _, m := range steps {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		err := applyMigration(ctx, conn, m.Version, m.Statements)
		if err != nil && len(m.Fallback) > 0 {
			logger.Warn("store: migration failed, trying fallback",
				slog.String("version", m.Version),
				slog.String("error", err.Error()))
			err = applyMigration(ctx, conn, m.Version, m.Fallback)
		}
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.Version, err)
		}
		logger.Debug("store: migration applied", slog.String("version", m.Version))
	}
	return nil
}

func applyMigration(ctx context.Context, conn *sql.DB, version string, stmts []string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wiz_db_version (version, executed) VALUES (?, ?)`,
		version, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}
