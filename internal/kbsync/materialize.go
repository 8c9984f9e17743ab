package kbsync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/remote"
)

func (e *Engine) materializeKey() string { return e.db.KB() + "/download_notes_data" }

// DownloadNotesData fetches the body of every note still marked for
// redownload. Only one pass runs per knowledge base; a second caller waits
// for the first to finish and then finds nothing left to do.
func (e *Engine) DownloadNotesData(ctx context.Context, includeTrash bool) (int, error) {
	key := e.materializeKey()
	if err := e.locks.Lock(ctx, key, e.cfg.LockTimeout); err != nil {
		return 0, err
	}
	defer e.locks.Unlock(key)

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		next, err := e.db.GetNextNeedRedownloadNote(ctx, includeTrash)
		if err != nil {
			return count, err
		}
		if next == nil {
			return count, nil
		}
		done, err := e.fetchLocked(ctx, next.GUID, false)
		if err != nil {
			return count, err
		}
		if done {
			count++
		}
	}
}

// FetchNote returns the Markdown body of a note, downloading it first when
// it is not present locally. Concurrent fetches of the same note share one
// download.
func (e *Engine) FetchNote(ctx context.Context, guid string) (string, error) {
	md, err := e.db.NoteMarkdown(ctx, guid)
	if err == nil {
		return md, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return "", err
	}
	if _, err := e.db.GetNote(ctx, guid); err != nil {
		return "", err
	}
	if e.locks.IsHeld(guid) {
		e.logger.Debug("sync: waiting for concurrent fetch", slog.String("guid", guid))
	}
	if _, err := e.fetchLocked(ctx, guid, true); err != nil {
		return "", err
	}
	return e.db.NoteMarkdown(ctx, guid)
}

// fetchLocked materializes guid under its per-note lock. It reports false
// when another caller got there first. withTags re-derives the tag set from
// the fetched body.
func (e *Engine) fetchLocked(ctx context.Context, guid string, withTags bool) (bool, error) {
	if err := e.locks.Lock(ctx, guid, e.cfg.LockTimeout); err != nil {
		return false, err
	}
	defer e.locks.Unlock(guid)

	n, err := e.db.GetNote(ctx, guid)
	if err != nil {
		return false, err
	}
	if n.LocalStatus == models.StatusDownloaded || n.Revision.IsContentDirty() {
		return false, nil
	}
	return true, e.materialize(ctx, n, withTags)
}

func (e *Engine) materialize(ctx context.Context, n *models.Note, withTags bool) error {
	data, err := e.remote.DownloadNote(ctx, n.GUID)
	if err != nil {
		return err
	}
	if e.cfg.DownloadResources {
		if err := e.downloadResources(ctx, n.GUID, data.Resources); err != nil {
			return err
		}
	}
	markdown := remote.MarkdownFromHTML(data.HTML)
	updated, err := e.db.SyncNoteData(ctx, n.GUID, markdown, withTags)
	if err != nil {
		return err
	}
	e.metrics.IncMaterialized(e.db.KB())
	e.publish(events.ModifyNote, *updated)
	return nil
}

func (e *Engine) downloadResources(ctx context.Context, guid string, resources []models.Resource) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ResourceConcurrency)
	for _, res := range resources {
		if _, err := e.db.Blobs().ResourceSize(guid, res.Name); err == nil {
			continue
		}
		g.Go(func() error {
			data, err := e.remote.DownloadNoteResource(gctx, guid, res.Name)
			if err != nil {
				return err
			}
			if err := e.db.Blobs().WriteResource(guid, res.Name, data); err != nil {
				return apperr.Internal("sync: write resource", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DownloadNoteResource returns a resource of a note, fetching and storing
// it when it is not present locally.
func (e *Engine) DownloadNoteResource(ctx context.Context, guid, name string) ([]byte, error) {
	data, err := e.db.Blobs().ReadResource(guid, name)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Internal("sync: read resource", err)
	}
	data, err = e.remote.DownloadNoteResource(ctx, guid, name)
	if err != nil {
		return nil, err
	}
	if err := e.db.Blobs().WriteResource(guid, name, data); err != nil {
		return nil, apperr.Internal("sync: write resource", err)
	}
	return data, nil
}
