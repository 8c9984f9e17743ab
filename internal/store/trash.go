package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"slices"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
)

// setFlag updates one boolean column and marks the note metadata-dirty
// unless its body is already dirty.
func (db *DB) setFlag(ctx context.Context, op, column, guid string, value bool, apply func(n *models.Note)) (*models.Note, error) {
	var out *models.Note
	err := db.tx(ctx, op, func(tx *sql.Tx, em *emitter) error {
		n, err := getNote(ctx, tx, guid, false)
		if err != nil {
			return err
		}
		n.Revision = n.Revision.MarkMetadataDirty()
		n.EditSeq++
		if _, err := tx.ExecContext(ctx,
			`UPDATE wiz_note SET `+column+` = ?, version = ?, edit_seq = edit_seq + 1 WHERE guid = ?`,
			boolInt(value), models.EncodeRevision(n.Revision), guid); err != nil {
			return apperr.Internal("store: "+op, err)
		}
		apply(n)
		em.emit(events.ModifyNote, *n)
		out = n
		return nil
	})
	return out, err
}

// MoveToTrash moves a note to the trash.
func (db *DB) MoveToTrash(ctx context.Context, guid string) (*models.Note, error) {
	return db.changeTrash(ctx, "move to trash", guid, true)
}

// PutBackFromTrash restores a trashed note.
func (db *DB) PutBackFromTrash(ctx context.Context, guid string) (*models.Note, error) {
	return db.changeTrash(ctx, "put back from trash", guid, false)
}

func (db *DB) changeTrash(ctx context.Context, op, guid string, trash bool) (*models.Note, error) {
	var out *models.Note
	err := db.tx(ctx, op, func(tx *sql.Tx, em *emitter) error {
		n, err := getNote(ctx, tx, guid, false)
		if err != nil {
			return err
		}
		before, err := allTagNames(ctx, tx)
		if err != nil {
			return err
		}
		n.Revision = n.Revision.MarkMetadataDirty()
		n.Trash = trash
		n.EditSeq++
		if _, err := tx.ExecContext(ctx,
			`UPDATE wiz_note SET trash = ?, deleted = 0, version = ?, edit_seq = edit_seq + 1 WHERE guid = ?`,
			boolInt(trash), models.EncodeRevision(n.Revision), guid); err != nil {
			return apperr.Internal("store: "+op, err)
		}
		after, err := allTagNames(ctx, tx)
		if err != nil {
			return err
		}

		if trash {
			em.emit(events.DeleteNotes, events.DeleteNotesData{GUIDs: []string{guid}})
		} else {
			em.emit(events.PutBackNotes, events.GUIDsData{GUIDs: []string{guid}})
		}
		em.emit(events.ModifyNote, *n)
		if !slices.Equal(before, after) {
			em.emit(events.TagsChanged, events.GUIDsData{GUIDs: []string{guid}})
		}
		out = n
		return nil
	})
	return out, err
}

// SetNoteStarred sets the starred flag.
func (db *DB) SetNoteStarred(ctx context.Context, guid string, starred bool) (*models.Note, error) {
	return db.setFlag(ctx, "set starred", "starred", guid, starred, func(n *models.Note) {
		n.Starred = starred
	})
}

// SetNoteArchived sets the archived flag.
func (db *DB) SetNoteArchived(ctx context.Context, guid string, archived bool) (*models.Note, error) {
	return db.setFlag(ctx, "set archived", "archived", guid, archived, func(n *models.Note) {
		n.Archived = archived
	})
}

// SetNoteOnTop sets the on-top flag.
func (db *DB) SetNoteOnTop(ctx context.Context, guid string, onTop bool) (*models.Note, error) {
	return db.setFlag(ctx, "set on top", "on_top", guid, onTop, func(n *models.Note) {
		n.OnTop = onTop
	})
}

// DeleteFromTrash marks a note deleted. The row stays until its tombstone
// has been uploaded.
func (db *DB) DeleteFromTrash(ctx context.Context, guid string) error {
	return db.tx(ctx, "delete from trash", func(tx *sql.Tx, em *emitter) error {
		n, err := getNote(ctx, tx, guid, false)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE wiz_note SET trash = 1, deleted = 1, edit_seq = edit_seq + 1 WHERE guid = ?`, guid); err != nil {
			return apperr.Internal("store: delete from trash", err)
		}
		if err := ftsDelete(ctx, tx, guid); err != nil {
			return apperr.Internal("store: delete from trash", err)
		}
		n.Trash = true
		n.Deleted = true
		em.emit(events.DeleteNotes, events.DeleteNotesData{GUIDs: []string{guid}, Permanent: true})
		em.emit(events.ModifyNote, *n)
		return nil
	})
}

// PermanentDelete removes rows, their links, their full-text entries and
// their bodies. It returns the number of rows removed.
func (db *DB) PermanentDelete(ctx context.Context, guids []string) (int, error) {
	if len(guids) == 0 {
		return 0, nil
	}
	var removed int
	err := db.tx(ctx, "permanent delete", func(tx *sql.Tx, em *emitter) error {
		where, args := inClause("guid", guids)
		res, err := tx.ExecContext(ctx, `DELETE FROM wiz_note WHERE `+where, args...)
		if err != nil {
			return apperr.Internal("store: permanent delete", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)

		linkWhere, linkArgs := inClause("note_guid", guids)
		if _, err := tx.ExecContext(ctx, `DELETE FROM wiz_note_links WHERE `+linkWhere, linkArgs...); err != nil {
			return apperr.Internal("store: permanent delete links", err)
		}
		for _, g := range guids {
			if err := ftsDelete(ctx, tx, g); err != nil {
				return apperr.Internal("store: permanent delete", err)
			}
		}
		if removed > 0 {
			em.emit(events.DeleteNotes, events.DeleteNotesData{GUIDs: guids, Permanent: true})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, g := range guids {
		if err := db.blobs.DeleteNote(g); err != nil {
			db.logger.Warn("store: remove body failed",
				slog.String("guid", g),
				slog.String("error", err.Error()))
		}
	}
	return removed, nil
}

// HasNotesInTrash reports whether any note is in the trash.
func (db *DB) HasNotesInTrash(ctx context.Context) (bool, error) {
	q, err := db.read()
	if err != nil {
		return false, err
	}
	var one int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM wiz_note WHERE trash = 1 AND deleted = 0 LIMIT 1`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal("store: has notes in trash", err)
	}
	return true, nil
}
