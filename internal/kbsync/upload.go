package kbsync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/parser"
	"github.com/starford/notesync/internal/remote"
)

// Flag characters carried in the author field.
const (
	flagTrash    = 'd'
	flagStarred  = 's'
	flagArchived = 'a'
	flagOnTop    = 't'
)

func encodeFlags(n *models.Note) string {
	var b strings.Builder
	if n.Trash {
		b.WriteByte(flagTrash)
	}
	if n.Starred {
		b.WriteByte(flagStarred)
	}
	if n.Archived {
		b.WriteByte(flagArchived)
	}
	if n.OnTop {
		b.WriteByte(flagOnTop)
	}
	return b.String()
}

// toServerNote maps a local note onto its upload form. Titles travel with a
// ".md" suffix.
func toServerNote(n *models.Note) *remote.ServerNote {
	title := strings.TrimSpace(n.Title)
	if !strings.HasSuffix(title, ".md") {
		title += ".md"
	}
	protected := 0
	if n.Encrypted {
		protected = 1
	}
	return &remote.ServerNote{
		DocGUID:         n.GUID,
		KBGUID:          n.KBGUID,
		Title:           title,
		Category:        n.Category,
		Type:            n.Type,
		FileType:        n.FileType,
		Name:            n.Name,
		Seo:             n.Seo,
		URL:             n.URL,
		Owner:           n.Owner,
		Author:          encodeFlags(n),
		Keywords:        n.Tags,
		Protected:       protected,
		AbstractText:    n.Abstract,
		Created:         n.Created.UnixMilli(),
		InfoModified:    n.Created.UnixMilli(),
		DataModified:    n.Modified.UnixMilli(),
		Version:         models.EncodeRevision(n.Revision),
		DataMD5:         n.DataMD5,
		AttachmentCount: n.AttachmentCount,
	}
}

// UploadNotes pushes every dirty note. The body and its resource manifest
// go along only for content-dirty notes, or when the server asks for them.
// Authentication and quota errors abort the batch; other failures are
// collected by title and the batch continues.
func (e *Engine) UploadNotes(ctx context.Context) (uploaded int, failed []string, err error) {
	notes, err := e.db.GetModifiedNotes(ctx)
	if err != nil {
		return 0, nil, err
	}
	failed = []string{}
	for i := range notes {
		if err := ctx.Err(); err != nil {
			return uploaded, failed, err
		}
		n := &notes[i]
		err := e.uploadNote(ctx, n, n.Revision.IsContentDirty())
		if err != nil && apperr.IsBodyRequired(err) {
			e.logger.Info("sync: server requires note body, retrying",
				slog.String("guid", n.GUID))
			err = e.uploadNote(ctx, n, true)
		}
		if err == nil {
			uploaded++
			continue
		}
		if apperr.IsFatalUpload(err) {
			e.metrics.AddUploaded(e.db.KB(), uploaded, len(failed)+1)
			return uploaded, failed, err
		}
		e.logger.Warn("sync: upload note failed",
			slog.String("guid", n.GUID),
			slog.String("title", n.Title),
			slog.String("error", err.Error()))
		failed = append(failed, n.Title)
	}
	e.metrics.AddUploaded(e.db.KB(), uploaded, len(failed))
	return uploaded, failed, nil
}

func (e *Engine) uploadNote(ctx context.Context, n *models.Note, withBody bool) error {
	sn := toServerNote(n)
	if withBody {
		sn.Version = models.EncodeRevision(models.ModifiedContent())
		markdown, err := e.db.NoteMarkdown(ctx, n.GUID)
		if err != nil {
			return err
		}
		if sn.HTML, err = remote.MarkdownToHTML(markdown); err != nil {
			return err
		}
		sn.Resources = e.manifest(n.GUID, markdown)
	}

	version, err := e.remote.UploadNote(ctx, sn, e.db.Blobs())
	if err != nil {
		return err
	}
	updated, stale, err := e.db.MarkUploaded(ctx, n.GUID, version, n.EditSeq)
	if err != nil {
		return err
	}
	if stale {
		e.logger.Info("sync: note edited during upload, keeping it dirty",
			slog.String("guid", n.GUID),
			slog.Uint64("version", version))
		return nil
	}
	e.publish(events.UploadNote, *updated)
	return nil
}

// manifest lists the resources referenced by markdown that exist locally.
func (e *Engine) manifest(guid, markdown string) []models.Resource {
	var out []models.Resource
	for _, name := range parser.Resources(markdown) {
		size, err := e.db.Blobs().ResourceSize(guid, name)
		if errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("sync: referenced resource missing",
				slog.String("guid", guid),
				slog.String("resource", name))
			continue
		}
		if err != nil {
			e.logger.Warn("sync: stat resource failed",
				slog.String("guid", guid),
				slog.String("resource", name),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, models.Resource{Name: name, Size: size})
	}
	return out
}

// UploadDeletedNotes sends one tombstone per deleted note, then purges the
// rows.
func (e *Engine) UploadDeletedNotes(ctx context.Context) error {
	deleted, err := e.db.GetDeletedNotes(ctx)
	if err != nil || len(deleted) == 0 {
		return err
	}
	created := e.now().UnixMilli()
	tombstones := make([]models.Tombstone, len(deleted))
	guids := make([]string, len(deleted))
	for i, n := range deleted {
		tombstones[i] = models.Tombstone{DeletedGUID: n.GUID, Type: models.TombstoneDocument, Created: created}
		guids[i] = n.GUID
	}
	if _, err := e.remote.UploadDeletedObjects(ctx, tombstones); err != nil {
		return err
	}
	removed, err := e.db.PermanentDelete(ctx, guids)
	if err != nil {
		return err
	}
	e.logger.Info("sync: uploaded tombstones", slog.Int("count", removed))
	return nil
}
