package kbsync

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/parser"
	"github.com/starford/notesync/internal/remote"
	"github.com/starford/notesync/internal/store"
)

func decodeFlags(n *models.Note, author string) {
	n.Trash = strings.ContainsRune(author, flagTrash)
	n.Starred = strings.ContainsRune(author, flagStarred)
	n.Archived = strings.ContainsRune(author, flagArchived)
	n.OnTop = strings.ContainsRune(author, flagOnTop)
}

// fromServerNote maps a downloaded note onto a local row. The ".md" suffix
// added on upload is stripped from titles of lite notes.
func fromServerNote(sn *remote.ServerNote) *models.Note {
	title := strings.TrimSpace(sn.Title)
	if strings.HasPrefix(sn.Type, "lite") {
		title = strings.TrimSuffix(title, ".md")
	}
	n := &models.Note{
		GUID:            sn.DocGUID,
		KBGUID:          sn.KBGUID,
		Title:           title,
		Category:        sn.Category,
		Type:            sn.Type,
		FileType:        sn.FileType,
		Name:            sn.Name,
		Seo:             sn.Seo,
		URL:             sn.URL,
		Owner:           sn.Owner,
		Tags:            sn.Keywords,
		Created:         time.UnixMilli(sn.Created),
		Modified:        time.UnixMilli(sn.DataModified),
		DataModified:    time.UnixMilli(sn.DataModified),
		Revision:        models.Synced(uint64(sn.Version)),
		DataMD5:         sn.DataMD5,
		Abstract:        sn.AbstractText,
		Encrypted:       sn.Protected == 1,
		AttachmentCount: sn.AttachmentCount,
	}
	decodeFlags(n, sn.Author)
	return n
}

// nextSince returns the cursor following page: one past the highest
// version seen. Pages are not assumed to be sorted.
func nextSince[T any](page []T, version func(T) int64) (uint64, bool) {
	var top int64 = -1
	for _, item := range page {
		top = max(top, version(item))
	}
	if top < 0 {
		return 0, false
	}
	return uint64(top) + 1, true
}

// stalled reports a full page that left the cursor where it was. Asking
// again would return the same page.
func (e *Engine) stalled(kind store.ObjectKind, since uint64, moved bool) bool {
	if moved {
		return false
	}
	e.logger.Warn("sync: page did not advance cursor, stopping",
		slog.String("cursor", string(kind)),
		slog.Uint64("since", since))
	return true
}

// DownloadNotes pages through notes changed since the stored watermark and
// merges each into the replica. The watermark only ever moves forward.
func (e *Engine) DownloadNotes(ctx context.Context) (int, error) {
	since, err := e.db.GetObjectsVersion(ctx, store.ObjectNote)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		page, err := e.remote.DownloadNotes(ctx, since, e.cfg.PageSize)
		if err != nil {
			return total, err
		}

		var applied []models.Note
		var tagged []string
		for i := range page {
			sn := &page[i]
			if sn.Version < 0 {
				e.logger.Warn("sync: skipping note with negative version",
					slog.String("guid", sn.DocGUID))
				continue
			}
			n := fromServerNote(sn)
			ok, err := e.db.SyncNote(ctx, n)
			if err != nil {
				return total, err
			}
			if !ok {
				continue
			}
			applied = append(applied, *n)
			if len(parser.SplitTags(n.Tags)) > 0 {
				tagged = append(tagged, n.GUID)
			}
		}
		total += len(page)
		if len(applied) > 0 {
			e.publish(events.DownloadNotes, applied)
		}
		if len(tagged) > 0 {
			e.publish(events.TagsChanged, events.GUIDsData{GUIDs: tagged})
		}

		next, ok := nextSince(page, func(n remote.ServerNote) int64 { return n.Version })
		moved := ok && next > since
		if moved {
			if err := e.db.SetObjectsVersion(ctx, store.ObjectNote, next); err != nil {
				return total, err
			}
			since = next
		}
		if len(page) < e.cfg.PageSize || e.stalled(store.ObjectNote, since, moved) {
			break
		}
	}
	e.metrics.AddDownloaded(e.db.KB(), total)
	return total, nil
}

// DownloadDeletedObjects applies remote tombstones. Only document
// tombstones touch the replica; the watermark covers every type.
func (e *Engine) DownloadDeletedObjects(ctx context.Context) error {
	since, err := e.db.GetObjectsVersion(ctx, store.ObjectDeleted)
	if err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.remote.DownloadDeletedObjects(ctx, since, e.cfg.PageSize)
		if err != nil {
			return err
		}
		var guids []string
		for _, d := range page {
			if d.Type == models.TombstoneDocument {
				guids = append(guids, d.DeletedGUID)
			}
		}
		if len(guids) > 0 {
			removed, err := e.db.PermanentDelete(ctx, guids)
			if err != nil {
				return err
			}
			e.logger.Debug("sync: applied remote deletions",
				slog.Int("tombstones", len(guids)),
				slog.Int("removed", removed))
		}

		next, ok := nextSince(page, func(d models.Tombstone) int64 { return int64(d.Version) })
		moved := ok && next > since
		if moved {
			if err := e.db.SetObjectsVersion(ctx, store.ObjectDeleted, next); err != nil {
				return err
			}
			since = next
		}
		if len(page) < e.cfg.PageSize || e.stalled(store.ObjectDeleted, since, moved) {
			return nil
		}
	}
}

// DownloadTags advances the tag cursor and returns how many tags changed.
// Tags live in note keywords, so the stream carries nothing to store.
func (e *Engine) DownloadTags(ctx context.Context) (int, error) {
	since, err := e.db.GetObjectsVersion(ctx, store.ObjectTag)
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		page, err := e.remote.DownloadTags(ctx, since, e.cfg.PageSize)
		if err != nil {
			return total, err
		}
		total += len(page)
		next, ok := nextSince(page, func(t remote.ServerTag) int64 { return t.Version })
		moved := ok && next > since
		if moved {
			if err := e.db.SetObjectsVersion(ctx, store.ObjectTag, next); err != nil {
				return total, err
			}
			since = next
		}
		if len(page) < e.cfg.PageSize || e.stalled(store.ObjectTag, since, moved) {
			return total, nil
		}
	}
}
