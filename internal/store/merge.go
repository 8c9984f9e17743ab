package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
)

// SyncNote merges a note received from the remote into the replica and
// reports whether the local row changed.
//
//   - no local row: insert it; the body is fetched later
//   - local body edited: keep the local copy
//   - same remote version: nothing to do
//   - otherwise overwrite the metadata; the body is marked stale only when
//     its MD5 differs
func (db *DB) SyncNote(ctx context.Context, remote *models.Note) (bool, error) {
	version, ok := remote.Revision.Version()
	if !ok {
		return false, apperr.InvalidParam("remote note %s carries a local revision", remote.GUID)
	}

	applied := false
	err := db.tx(ctx, "sync note", func(tx *sql.Tx, _ *emitter) error {
		local, err := getNote(ctx, tx, remote.GUID, true)
		if errors.Is(err, apperr.ErrNotFound) {
			if err := insertRemote(ctx, tx, db.KB(), remote, version); err != nil {
				return err
			}
			applied = true
			return nil
		}
		if err != nil {
			return err
		}

		if local.Revision.IsContentDirty() {
			db.logger.Info("store: local edit wins over remote",
				slog.String("guid", remote.GUID),
				slog.String("title", local.Title))
			return nil
		}
		if v, ok := local.Revision.Version(); ok && v == version {
			return nil
		}

		status := models.StatusDownloaded
		if local.DataMD5 != remote.DataMD5 || local.LocalStatus == models.StatusNeedRedownload {
			status = models.StatusNeedRedownload
		}
		if err := updateRemote(ctx, tx, remote, version, status); err != nil {
			return err
		}
		if err := ftsUpsert(ctx, tx, remote.GUID, remote.Title, local.Text); err != nil {
			return apperr.Internal("store: sync note", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func insertRemote(ctx context.Context, tx *sql.Tx, kb string, n *models.Note, version uint64) error {
	category := n.Category
	if category == "" {
		category = models.CategoryLite
	}
	kbGUID := n.KBGUID
	if kbGUID == "" {
		kbGUID = kb
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wiz_note (guid, kb_guid, title, category, name, seo, url, tags, owner, type,
			file_type, created, modified, data_modified, encrypted, attachment_count, data_md5,
			version, local_status, abstract, starred, archived, on_top, trash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.GUID, kbGUID, n.Title, category, n.Name, n.Seo, n.URL, n.Tags, n.Owner, n.Type,
		n.FileType, toMillis(n.Created), toMillis(n.Modified), toMillis(n.DataModified),
		boolInt(n.Encrypted), n.AttachmentCount, n.DataMD5, int64(version),
		int(models.StatusNeedRedownload), n.Abstract, boolInt(n.Starred), boolInt(n.Archived),
		boolInt(n.OnTop), boolInt(n.Trash))
	if err != nil {
		return apperr.Internal("store: insert remote note", err)
	}
	if err := ftsUpsert(ctx, tx, n.GUID, n.Title, ""); err != nil {
		return apperr.Internal("store: insert remote note", err)
	}
	return nil
}

func updateRemote(ctx context.Context, tx *sql.Tx, n *models.Note, version uint64, status models.LocalStatus) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wiz_note SET title = ?, category = ?, name = ?, seo = ?, url = ?, tags = ?,
			owner = ?, type = ?, file_type = ?, created = ?, modified = ?, data_modified = ?,
			encrypted = ?, attachment_count = ?, data_md5 = ?, version = ?, local_status = ?,
			abstract = ?, starred = ?, archived = ?, on_top = ?, trash = ?
		WHERE guid = ?
	`, n.Title, n.Category, n.Name, n.Seo, n.URL, n.Tags, n.Owner, n.Type, n.FileType,
		toMillis(n.Created), toMillis(n.Modified), toMillis(n.DataModified),
		boolInt(n.Encrypted), n.AttachmentCount, n.DataMD5, int64(version), int(status),
		n.Abstract, boolInt(n.Starred), boolInt(n.Archived), boolInt(n.OnTop), boolInt(n.Trash),
		n.GUID)
	if err != nil {
		return apperr.Internal("store: update remote note", err)
	}
	return nil
}
