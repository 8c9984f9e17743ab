package store

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/checksum"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/storage"
)

// watchDebounce is the quiet period before an edited body is re-read.
const watchDebounce = 300 * time.Millisecond

// blobChecksum returns the MD5 of the body as last written by the store.
func (db *DB) blobChecksum(ctx context.Context, guid string) (string, models.LocalStatus, error) {
	q, err := db.read()
	if err != nil {
		return "", 0, err
	}
	var (
		sum    string
		status int
	)
	err = q.QueryRowContext(ctx,
		`SELECT blob_md5, local_status FROM wiz_note WHERE guid = ? AND deleted = 0`, guid).Scan(&sum, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, apperr.NotExists("note %s", guid)
	}
	if err != nil {
		return "", 0, apperr.Internal("store: blob checksum", err)
	}
	return sum, models.LocalStatus(status), nil
}

// MarkBodyMissing flags a synced note whose body vanished from disk so the
// next materialization pass fetches it again.
func (db *DB) MarkBodyMissing(ctx context.Context, guid string) error {
	return db.tx(ctx, "mark body missing", func(tx *sql.Tx, _ *emitter) error {
		n, err := getNote(ctx, tx, guid, false)
		if err != nil {
			return err
		}
		if n.Revision.IsContentDirty() {
			db.logger.Warn("store: body of locally edited note removed from disk",
				slog.String("guid", guid))
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE wiz_note SET local_status = ?, blob_md5 = '' WHERE guid = ?`,
			int(models.StatusNeedRedownload), guid); err != nil {
			return apperr.Internal("store: mark body missing", err)
		}
		return nil
	})
}

// applyExternalEdit feeds a body changed outside the store back through
// SetNoteContent. Bodies the store wrote itself are recognized by checksum.
func (db *DB) applyExternalEdit(ctx context.Context, guid string) (bool, error) {
	stored, status, err := db.blobChecksum(ctx, guid)
	if err != nil {
		return false, err
	}
	data, err := db.blobs.ReadNote(guid)
	if errors.Is(err, fs.ErrNotExist) {
		if status == models.StatusDownloaded {
			return false, db.MarkBodyMissing(ctx, guid)
		}
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal("store: read edited body", err)
	}
	if checksum.Sum(data) == stored {
		return false, nil
	}
	if _, err := db.SetNoteContent(ctx, guid, string(data), ContentOptions{}); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile compares every body on disk with the checksum the store last
// wrote and applies edits made while nothing was watching.
func Reconcile(ctx context.Context, db *DB, logger *slog.Logger) error {
	blobs, err := db.blobs.List()
	if err != nil {
		return err
	}
	for _, b := range blobs {
		changed, err := db.applyExternalEdit(ctx, b.GUID)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("reconcile: apply edit failed",
				slog.String("guid", b.GUID),
				slog.String("error", err.Error()))
			continue
		}
		if changed {
			logger.Debug("reconcile: applied external edit", slog.String("guid", b.GUID))
		}
	}
	return nil
}

// Watch follows the blob directory with fsnotify until ctx is cancelled.
// Edits to a note's index.md are debounced per note and re-enter the store
// as local content changes.
func Watch(ctx context.Context, db *DB, blobs *storage.FS, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := blobs.Root()
	if err := addNoteDirs(w, root); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", root))

	pending := make(map[string]struct{})
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	schedule := func(guid string) {
		pending[guid] = struct{}{}
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
			timerCh = timer.C
		} else {
			timer.Reset(watchDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			for guid := range pending {
				changed, err := db.applyExternalEdit(ctx, guid)
				switch {
				case errors.Is(err, apperr.ErrNotFound):
					logger.Debug("watcher: unknown note dir", slog.String("guid", guid))
				case err != nil:
					logger.Warn("watcher: apply edit failed",
						slog.String("guid", guid),
						slog.String("error", err.Error()))
				case changed:
					logger.Debug("watcher: applied external edit", slog.String("guid", guid))
				}
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == root {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := w.Add(ev.Name); addErr != nil {
						logger.Warn("watcher: add note dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					continue
				}
			}
			guid, ok := blobs.GUIDFromPath(ev.Name)
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule(guid)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addNoteDirs watches root and each note directory directly below it.
func addNoteDirs(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
