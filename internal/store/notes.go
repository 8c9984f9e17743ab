package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
)

const noteColumns = `guid, kb_guid, title, category, name, seo, url, tags, owner, type, file_type,
	created, modified, data_modified, encrypted, attachment_count, data_md5, version,
	local_status, abstract, starred, archived, on_top, trash, deleted, last_synced,
	edit_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func selectNotes(withText bool) string {
	if withText {
		return `SELECT ` + noteColumns + `, text FROM wiz_note `
	}
	return `SELECT ` + noteColumns + ` FROM wiz_note `
}

func scanNote(r rowScanner, withText bool) (*models.Note, error) {
	var (
		n                                           models.Note
		created, modified, dataModified, lastSynced int64
		version                                     int64
		status                                      int
		encrypted, starred, archived, onTop         int
		trash, deleted                              int
	)
	dest := []any{
		&n.GUID, &n.KBGUID, &n.Title, &n.Category, &n.Name, &n.Seo, &n.URL, &n.Tags, &n.Owner,
		&n.Type, &n.FileType, &created, &modified, &dataModified, &encrypted, &n.AttachmentCount,
		&n.DataMD5, &version, &status, &n.Abstract, &starred, &archived, &onTop, &trash, &deleted,
		&lastSynced, &n.EditSeq,
	}
	if withText {
		dest = append(dest, &n.Text)
	}
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	n.Created = fromMillis(created)
	n.Modified = fromMillis(modified)
	n.DataModified = fromMillis(dataModified)
	n.LastSynced = fromMillis(lastSynced)
	n.Revision = models.DecodeRevision(version)
	n.LocalStatus = models.LocalStatus(status)
	n.Encrypted = encrypted != 0
	n.Starred = starred != 0
	n.Archived = archived != 0
	n.OnTop = onTop != 0
	n.Trash = trash != 0
	n.Deleted = deleted != 0
	return &n, nil
}

func queryNotes(ctx context.Context, q querier, withText bool, where string, args ...any) ([]models.Note, error) {
	rows, err := q.QueryContext(ctx, selectNotes(withText)+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Note{}
	for rows.Next() {
		n, err := scanNote(rows, withText)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// getNote loads one row. Soft-deleted rows are only returned when
// includeDeleted is set.
func getNote(ctx context.Context, q querier, guid string, includeDeleted bool) (*models.Note, error) {
	where := `WHERE guid = ?`
	if !includeDeleted {
		where += ` AND deleted = 0`
	}
	n, err := scanNote(q.QueryRowContext(ctx, selectNotes(true)+where, guid), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotExists("note %s", guid)
	}
	if err != nil {
		return nil, apperr.Internal("store: get note", err)
	}
	return n, nil
}

// GetNote returns a note that has not been deleted.
func (db *DB) GetNote(ctx context.Context, guid string) (*models.Note, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	return getNote(ctx, q, guid, false)
}

// GetNotesByGUID returns the notes with the given guids, in no particular
// order. Unknown guids are skipped.
func (db *DB) GetNotesByGUID(ctx context.Context, guids []string) ([]models.Note, error) {
	if len(guids) == 0 {
		return []models.Note{}, nil
	}
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	where, args := inClause("guid", guids)
	notes, err := queryNotes(ctx, q, true, `WHERE deleted = 0 AND `+where, args...)
	if err != nil {
		return nil, apperr.Internal("store: get notes by guid", err)
	}
	return notes, nil
}

// GetModifiedNotes returns every dirty note that still has to be uploaded.
func (db *DB) GetModifiedNotes(ctx context.Context) ([]models.Note, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	notes, err := queryNotes(ctx, q, false, `WHERE version < 0 AND deleted = 0 ORDER BY modified`)
	if err != nil {
		return nil, apperr.Internal("store: get modified notes", err)
	}
	return notes, nil
}

// GetNextNeedRedownloadNote returns a synced note whose body is missing or
// stale, or nil when every body is present. Trashed notes are skipped unless
// includeTrash is set.
func (db *DB) GetNextNeedRedownloadNote(ctx context.Context, includeTrash bool) (*models.Note, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	where := `WHERE version >= 0 AND local_status = 0 AND deleted = 0`
	if !includeTrash {
		where += ` AND trash = 0`
	}
	notes, err := queryNotes(ctx, q, false, where+` ORDER BY modified DESC LIMIT 1`)
	if err != nil {
		return nil, apperr.Internal("store: next need redownload", err)
	}
	if len(notes) == 0 {
		return nil, nil
	}
	return &notes[0], nil
}

// GetDeletedNotes returns rows deleted from trash whose tombstone has not
// been uploaded yet.
func (db *DB) GetDeletedNotes(ctx context.Context) ([]models.Note, error) {
	q, err := db.read()
	if err != nil {
		return nil, err
	}
	notes, err := queryNotes(ctx, q, false, `WHERE deleted = 1`)
	if err != nil {
		return nil, apperr.Internal("store: get deleted notes", err)
	}
	return notes, nil
}

// SetNoteVersion records the revision of a note. A synced revision also
// stamps the last sync time.
func (db *DB) SetNoteVersion(ctx context.Context, guid string, rev models.Revision) (*models.Note, error) {
	var out *models.Note
	err := db.tx(ctx, "set note version", func(tx *sql.Tx, _ *emitter) error {
		var (
			res sql.Result
			err error
		)
		if rev.IsSynced() {
			res, err = tx.ExecContext(ctx, `UPDATE wiz_note SET version = ?, last_synced = ? WHERE guid = ?`,
				models.EncodeRevision(rev), toMillis(db.now()), guid)
		} else {
			res, err = tx.ExecContext(ctx, `UPDATE wiz_note SET version = ? WHERE guid = ?`,
				models.EncodeRevision(rev), guid)
		}
		if err != nil {
			return apperr.Internal("store: set note version", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotExists("note %s", guid)
		}
		out, err = getNote(ctx, tx, guid, true)
		return err
	})
	return out, err
}

// MarkUploaded records the version the server assigned to an upload. The
// note only becomes synced when no local edit happened since editSeq was
// read; otherwise it stays dirty for the next upload and stale is true.
func (db *DB) MarkUploaded(ctx context.Context, guid string, version uint64, editSeq int64) (out *models.Note, stale bool, err error) {
	err = db.tx(ctx, "mark uploaded", func(tx *sql.Tx, _ *emitter) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE wiz_note SET version = ?, last_synced = ? WHERE guid = ? AND edit_seq = ?`,
			models.EncodeRevision(models.Synced(version)), toMillis(db.now()), guid, editSeq)
		if err != nil {
			return apperr.Internal("store: mark uploaded", err)
		}
		n, _ := res.RowsAffected()
		stale = n == 0
		out, err = getNote(ctx, tx, guid, true)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, stale, nil
}

// inClause builds "col IN (?,?,...)" with bound arguments.
func inClause(col string, values []string) (string, []any) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return col + ` IN (` + marks + `)`, args
}
