package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/checksum"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/parser"
)

// NoteTemplate is the body of a note created without content.
const NoteTemplate = "# \n"

// ContentOptions tune SetNoteContent.
type ContentOptions struct {
	// NoModifyTime keeps the previous modification time.
	NoModifyTime bool
	// NoUpdateTags leaves the stored tag set untouched.
	NoUpdateTags bool
	// NoUpdateLinks leaves the stored outgoing links untouched.
	NoUpdateLinks bool
}

// CreateNoteOptions describe a new local note.
type CreateNoteOptions struct {
	GUID     string
	Type     string
	Title    string
	Markdown string
	// Tag is appended to the body as "#tag#".
	Tag string
}

// Validate implements validation.Validatable.
func (o CreateNoteOptions) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Type, validation.In(models.TypeLiteMarkdown)),
		validation.Field(&o.GUID, validation.Length(0, 64)),
	)
}

// SetNoteContent replaces the body of a note. The note becomes
// content-dirty and downloaded; its text, title and abstract are derived
// from the new body. A title change rewrites [[old]] links in other notes
// when no other note still carries the old title.
func (db *DB) SetNoteContent(ctx context.Context, guid, markdown string, opts ContentOptions) (*models.Note, error) {
	markdown = db.processResources(ctx, guid, markdown)

	var out *models.Note
	err := db.tx(ctx, "set note content", func(tx *sql.Tx, em *emitter) error {
		n, err := db.setContent(ctx, tx, em, guid, markdown, opts, true)
		out = n
		return err
	})
	return out, err
}

func (db *DB) processResources(ctx context.Context, guid, markdown string) string {
	if db.resources == nil {
		return markdown
	}
	processed, changed, err := db.resources(ctx, guid, markdown)
	if err != nil {
		db.logger.Warn("store: process resources failed",
			slog.String("guid", guid),
			slog.String("error", err.Error()))
		return markdown
	}
	if changed {
		return processed
	}
	return markdown
}

func (db *DB) setContent(ctx context.Context, tx *sql.Tx, em *emitter, guid, markdown string, opts ContentOptions, fixLinks bool) (*models.Note, error) {
	n, err := getNote(ctx, tx, guid, false)
	if err != nil {
		return nil, err
	}
	if err := em.writeNote(guid, []byte(markdown)); err != nil {
		return nil, apperr.Internal("store: write note body", err)
	}

	res := parser.Analyze(markdown)
	if !opts.NoModifyTime {
		n.Modified = db.now()
		n.DataModified = n.Modified
	}
	oldTitle := n.Title
	n.Title = res.Title
	n.Abstract = res.Abstract
	n.Text = res.Text
	n.DataMD5 = checksum.String(markdown)
	n.Revision = models.ModifiedContent()
	n.LocalStatus = models.StatusDownloaded
	n.EditSeq++

	if fixLinks && oldTitle != "" && oldTitle != n.Title {
		if err := db.fixLinkedNotes(ctx, tx, em, guid, oldTitle, n.Title); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wiz_note SET title = ?, version = ?, local_status = ?, data_md5 = ?,
			modified = ?, data_modified = ?, abstract = ?, text = ?, blob_md5 = ?,
			edit_seq = edit_seq + 1
		WHERE guid = ?
	`, n.Title, models.EncodeRevision(n.Revision), int(n.LocalStatus), n.DataMD5,
		toMillis(n.Modified), toMillis(n.DataModified), n.Abstract, n.Text, n.DataMD5, guid)
	if err != nil {
		return nil, apperr.Internal("store: set note content", err)
	}
	if err := ftsUpsert(ctx, tx, guid, n.Title, n.Text); err != nil {
		return nil, apperr.Internal("store: set note content", err)
	}
	em.emit(events.ModifyNote, *n)

	if !opts.NoUpdateTags {
		tags, err := updateTags(ctx, tx, em, guid, n.Tags, res.Tags)
		if err != nil {
			return nil, err
		}
		n.Tags = tags
	}
	if !opts.NoUpdateLinks {
		if err := updateLinks(ctx, tx, em, guid, res.Links); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// fixLinkedNotes rewrites [[oldTitle]] to [[newTitle]] in every note that
// links to oldTitle, unless another note still has that title. Notes whose
// body is not materialized are skipped.
func (db *DB) fixLinkedNotes(ctx context.Context, tx *sql.Tx, em *emitter, guid, oldTitle, newTitle string) error {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(guid) FROM wiz_note WHERE title = ? AND guid != ? AND deleted = 0`,
		oldTitle, guid).Scan(&count); err != nil {
		return apperr.Internal("store: count titles", err)
	}
	if count > 0 {
		return nil
	}

	linking, err := linkSources(ctx, tx, oldTitle)
	if err != nil {
		return err
	}
	for _, src := range linking {
		if src == guid {
			continue
		}
		body, err := db.blobs.ReadNote(src)
		if errors.Is(err, fs.ErrNotExist) {
			db.logger.Debug("store: skip link rewrite, body not local", slog.String("guid", src))
			continue
		}
		if err != nil {
			return apperr.Internal("store: read linking note", err)
		}
		rewritten := parser.ReplaceLinkTitle(string(body), oldTitle, newTitle)
		if rewritten == string(body) {
			continue
		}
		if _, err := db.setContent(ctx, tx, em, src, rewritten,
			ContentOptions{NoModifyTime: true, NoUpdateTags: true}, false); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// updateTags stores the derived tag set when it differs from the stored
// one and returns the stored value.
func updateTags(ctx context.Context, tx *sql.Tx, em *emitter, guid, stored string, derived []string) (string, error) {
	if slices.Equal(parser.SplitTags(stored), derived) {
		return stored, nil
	}
	value := parser.JoinTags(derived)
	if _, err := tx.ExecContext(ctx, `UPDATE wiz_note SET tags = ? WHERE guid = ?`, value, guid); err != nil {
		return "", apperr.Internal("store: update tags", err)
	}
	em.emit(events.TagsChanged, events.GUIDsData{GUIDs: []string{guid}})
	return value, nil
}

// updateLinks replaces the outgoing links of guid when they differ from
// the stored set.
func updateLinks(ctx context.Context, tx *sql.Tx, em *emitter, guid string, derived []string) error {
	current, err := noteLinks(ctx, tx, guid)
	if err != nil {
		return err
	}
	if slices.Equal(current, derived) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM wiz_note_links WHERE note_guid = ?`, guid); err != nil {
		return apperr.Internal("store: update links", err)
	}
	for _, title := range derived {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO wiz_note_links (note_guid, note_title) VALUES (?, ?)`,
			guid, title); err != nil {
			return apperr.Internal("store: insert link", err)
		}
	}
	em.emit(events.LinksChanged, events.GUIDsData{GUIDs: []string{guid}})
	return nil
}

// CreateNote inserts a new local note and writes its body. The note is
// content-dirty until uploaded.
func (db *DB) CreateNote(ctx context.Context, opts CreateNoteOptions) (*models.Note, error) {
	if opts.Type == "" {
		opts.Type = models.TypeLiteMarkdown
	}
	if err := opts.Validate(); err != nil {
		return nil, apperr.InvalidParam("create note: %v", err)
	}
	if opts.GUID == "" {
		opts.GUID = uuid.NewString()
	}

	markdown := opts.Markdown
	if markdown == "" {
		markdown = NoteTemplate
	}
	if tag := parser.NormalizeTag(opts.Tag); tag != "" {
		markdown += "\n#" + tag + "#\n"
	}
	markdown = db.processResources(ctx, opts.GUID, markdown)

	res := parser.Analyze(markdown)
	now := db.now()
	n := &models.Note{
		GUID:         opts.GUID,
		KBGUID:       db.KB(),
		Title:        opts.Title,
		Category:     models.CategoryLite,
		Type:         opts.Type,
		Tags:         parser.JoinTags(res.Tags),
		Created:      now,
		Modified:     now,
		DataModified: now,
		Revision:     models.ModifiedContent(),
		LocalStatus:  models.StatusDownloaded,
		DataMD5:      checksum.String(markdown),
		Abstract:     res.Abstract,
		Text:         res.Text,
	}
	if n.Title == "" {
		n.Title = res.Title
	}

	err := db.tx(ctx, "create note", func(tx *sql.Tx, em *emitter) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM wiz_note WHERE guid = ?`, n.GUID).Scan(&exists); err != nil {
			return apperr.Internal("store: create note", err)
		}
		if exists > 0 {
			return fmt.Errorf("store: create note %s: %w", n.GUID, apperr.ErrAlreadyExists)
		}
		if err := em.writeNote(n.GUID, []byte(markdown)); err != nil {
			return apperr.Internal("store: write note body", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wiz_note (guid, kb_guid, title, category, tags, type, created, modified,
				data_modified, data_md5, version, local_status, abstract, text, blob_md5)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, n.GUID, n.KBGUID, n.Title, n.Category, n.Tags, n.Type, toMillis(n.Created),
			toMillis(n.Modified), toMillis(n.DataModified), n.DataMD5,
			models.EncodeRevision(n.Revision), int(n.LocalStatus), n.Abstract, n.Text, n.DataMD5)
		if err != nil {
			return apperr.Internal("store: create note", err)
		}
		if err := ftsUpsert(ctx, tx, n.GUID, n.Title, n.Text); err != nil {
			return apperr.Internal("store: create note", err)
		}
		if err := updateLinks(ctx, tx, em, n.GUID, res.Links); err != nil {
			return err
		}
		em.emit(events.NewNote, *n)
		if n.Tags != "" {
			em.emit(events.TagsChanged, events.GUIDsData{GUIDs: []string{n.GUID}})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// SyncNoteData stores a body fetched from the remote. The note becomes
// downloaded and its links are refreshed; its revision is left as is. A
// note edited locally in the meantime keeps its local body. Tags
// normally arrive with the note metadata and are re-derived from the body
// only when withTags is set.
func (db *DB) SyncNoteData(ctx context.Context, guid, markdown string, withTags bool) (*models.Note, error) {
	var out *models.Note
	err := db.tx(ctx, "sync note data", func(tx *sql.Tx, em *emitter) error {
		n, err := getNote(ctx, tx, guid, true)
		if err != nil {
			return err
		}
		if n.Revision.IsContentDirty() {
			db.logger.Warn("store: fetched body ignored, note edited locally",
				slog.String("guid", guid))
			out = n
			return nil
		}
		if err := em.writeNote(guid, []byte(markdown)); err != nil {
			return apperr.Internal("store: write note body", err)
		}
		res := parser.Analyze(markdown)
		n.Text = res.Text
		n.LocalStatus = models.StatusDownloaded
		if _, err := tx.ExecContext(ctx,
			`UPDATE wiz_note SET local_status = ?, text = ?, blob_md5 = ? WHERE guid = ?`,
			int(n.LocalStatus), n.Text, checksum.String(markdown), guid); err != nil {
			return apperr.Internal("store: sync note data", err)
		}
		if err := ftsUpsert(ctx, tx, guid, n.Title, n.Text); err != nil {
			return apperr.Internal("store: sync note data", err)
		}
		if withTags {
			tags, err := updateTags(ctx, tx, em, guid, n.Tags, res.Tags)
			if err != nil {
				return err
			}
			n.Tags = tags
		}
		if err := updateLinks(ctx, tx, em, guid, res.Links); err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// NoteMarkdown returns the local body of a note. It fails with a
// NotExistsError when the note is unknown or its body is not materialized.
func (db *DB) NoteMarkdown(ctx context.Context, guid string) (string, error) {
	n, err := db.GetNote(ctx, guid)
	if err != nil {
		return "", err
	}
	if n.LocalStatus == models.StatusNeedRedownload {
		return "", apperr.NotExists("body of note %s", guid)
	}
	data, err := db.blobs.ReadNote(guid)
	if errors.Is(err, fs.ErrNotExist) {
		return "", apperr.NotExists("body of note %s", guid)
	}
	if err != nil {
		return "", apperr.Internal("store: read note body", err)
	}
	return string(data), nil
}
