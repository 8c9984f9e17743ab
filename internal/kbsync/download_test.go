package kbsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/remote"
	"github.com/starford/notesync/internal/remote/remotetest"
	"github.com/starford/notesync/internal/store"
)

func TestDownloadNotesPaginates(t *testing.T) {
	env := newTestEnv(t, Config{PageSize: 2})
	ctx := context.Background()
	var last int64
	for i := range 5 {
		last = env.srv.PutNote(remoteNoteFor(fmt.Sprintf("n%d", i)), "# body", nil)
	}

	total, err := env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Equal(t, 3, env.srv.Calls(remotetest.RouteListNotes))

	watermark, err := env.db.GetObjectsVersion(ctx, store.ObjectNote)
	require.NoError(t, err)
	require.Equal(t, uint64(last)+1, watermark)
}

func TestDownloadNotesFullLastPage(t *testing.T) {
	env := newTestEnv(t, Config{PageSize: 2})
	ctx := context.Background()
	var last int64
	for i := range 4 {
		last = env.srv.PutNote(remoteNoteFor(fmt.Sprintf("n%d", i)), "# body", nil)
	}

	total, err := env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Equal(t, 3, env.srv.Calls(remotetest.RouteListNotes), "a full page asks for one more")

	watermark, err := env.db.GetObjectsVersion(ctx, store.ObjectNote)
	require.NoError(t, err)
	require.Equal(t, uint64(last)+1, watermark)
}

func TestEmptyPageLeavesWatermark(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	total, err := env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	require.Zero(t, total)
	_, ok, err := env.db.GetMeta(ctx, "note_version")
	require.NoError(t, err)
	require.False(t, ok, "empty page must not write the cursor")

	v := env.srv.PutNote(remoteNoteFor("a"), "# a", nil)
	_, err = env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	_, err = env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	watermark, err := env.db.GetObjectsVersion(ctx, store.ObjectNote)
	require.NoError(t, err)
	require.Equal(t, uint64(v)+1, watermark)
}

func TestRedeliveredPageIsNoop(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.srv.PutNote(remoteNoteFor("a"), "# a", nil)
	env.srv.PutNote(remoteNoteFor("b"), "# b", nil)
	_, err := env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	before, err := env.db.QueryNotes(ctx, 0, 10, store.QueryFilter{})
	require.NoError(t, err)

	require.NoError(t, env.db.SetObjectsVersion(ctx, store.ObjectNote, 0))
	sub := env.bus.Subscribe(events.DownloadNotes)
	total, err := env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Empty(t, collect(sub, 100*time.Millisecond))

	after, err := env.db.QueryNotes(ctx, 0, 10, store.QueryFilter{})
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDownloadKeepsLocalContentEdit(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.srv.PutNote(remoteNoteFor("a"), "# Original", nil)
	_, err := env.engine.Run(ctx, Options{DownloadFirst: true, WaitDownload: true})
	require.NoError(t, err)

	_, err = env.db.SetNoteContent(ctx, "a", "# Mine\nlocal", store.ContentOptions{})
	require.NoError(t, err)
	env.srv.PutNote(remoteNoteFor("a"), "# Theirs", nil)

	_, err = env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	_, err = env.engine.DownloadNotesData(ctx, false)
	require.NoError(t, err)

	n, err := env.db.GetNote(ctx, "a")
	require.NoError(t, err)
	require.True(t, n.Revision.IsContentDirty())
	md, err := env.db.NoteMarkdown(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "# Mine\nlocal", md)
}

func TestDownloadDeletedObjects(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.srv.PutNote(remoteNoteFor("a"), "# a", nil)
	env.srv.PutNote(remoteNoteFor("b"), "# b", nil)
	_, err := env.engine.Run(ctx, Options{DownloadFirst: true, WaitDownload: true})
	require.NoError(t, err)

	v := env.srv.DeleteNote("a")
	require.NoError(t, env.engine.DownloadDeletedObjects(ctx))

	_, err = env.db.GetNote(ctx, "a")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.False(t, env.blobs.NoteExists("a"))
	_, err = env.db.GetNote(ctx, "b")
	require.NoError(t, err)

	watermark, err := env.db.GetObjectsVersion(ctx, store.ObjectDeleted)
	require.NoError(t, err)
	require.Equal(t, uint64(v)+1, watermark)

	// Replaying the tombstone for an absent note changes nothing.
	require.NoError(t, env.db.SetObjectsVersion(ctx, store.ObjectDeleted, 0))
	require.NoError(t, env.engine.DownloadDeletedObjects(ctx))
	_, err = env.db.GetNote(ctx, "b")
	require.NoError(t, err)
}

func TestDownloadTags(t *testing.T) {
	env := newTestEnv(t, Config{SyncTags: true})
	ctx := context.Background()
	env.srv.AddTag("work")
	env.srv.AddTag("home")

	res, err := env.engine.Run(ctx, Options{DownloadFirst: true, WaitDownload: true})
	require.NoError(t, err)
	require.Equal(t, 2, res.DownloadedTagsCount)

	n, err := env.engine.DownloadTags(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	watermark, err := env.db.GetObjectsVersion(ctx, store.ObjectTag)
	require.NoError(t, err)
	require.Equal(t, uint64(3), watermark)
}

func TestDownloadStopsOnError(t *testing.T) {
	env := newTestEnv(t, Config{PageSize: 1})
	ctx := context.Background()
	env.srv.PutNote(remoteNoteFor("a"), "# a", nil)
	last := env.srv.PutNote(remoteNoteFor("b"), "# b", nil)
	env.srv.FailNext(remotetest.RouteListNotes, 0, "")

	_, err := env.engine.DownloadNotes(ctx)
	require.Error(t, err)
	_, err = env.db.GetNote(ctx, "a")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	watermark, err := env.db.GetObjectsVersion(ctx, store.ObjectNote)
	require.NoError(t, err)
	require.Zero(t, watermark)

	total, err := env.engine.DownloadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	watermark, err = env.db.GetObjectsVersion(ctx, store.ObjectNote)
	require.NoError(t, err)
	require.Equal(t, uint64(last)+1, watermark)

	n, err := env.db.GetNote(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, models.StatusNeedRedownload, n.LocalStatus)
}

// repeatingRemote answers every listing with the same page.
type repeatingRemote struct {
	Remote
	notes   []remote.ServerNote
	deleted []models.Tombstone
	tags    []remote.ServerTag
	calls   map[string]int
}

func (r *repeatingRemote) DownloadNotes(context.Context, uint64, int) ([]remote.ServerNote, error) {
	r.calls["notes"]++
	return r.notes, nil
}

func (r *repeatingRemote) DownloadDeletedObjects(context.Context, uint64, int) ([]models.Tombstone, error) {
	r.calls["deleted"]++
	return r.deleted, nil
}

func (r *repeatingRemote) DownloadTags(context.Context, uint64, int) ([]remote.ServerTag, error) {
	r.calls["tags"]++
	return r.tags, nil
}

func TestDownloadStopsWhenFullPageDoesNotAdvance(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	rm := &repeatingRemote{
		notes: []remote.ServerNote{
			{DocGUID: "x", Version: -1},
			{DocGUID: "y", Version: -1},
		},
		deleted: []models.Tombstone{
			{DeletedGUID: "gone", Type: models.TombstoneDocument, Version: 4},
			{DeletedGUID: "also", Type: models.TombstoneDocument, Version: 4},
		},
		tags:  []remote.ServerTag{{Name: "a", Version: -1}, {Name: "b", Version: -1}},
		calls: map[string]int{},
	}
	e := New(env.db, rm, env.locks, WithConfig(Config{PageSize: 2}), WithLogger(quietLogger()))
	t.Cleanup(e.Close)

	total, err := e.DownloadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, 1, rm.calls["notes"])

	require.NoError(t, e.DownloadDeletedObjects(ctx))
	require.Equal(t, 2, rm.calls["deleted"], "second page repeats the first")
	watermark, err := env.db.GetObjectsVersion(ctx, store.ObjectDeleted)
	require.NoError(t, err)
	require.Equal(t, uint64(5), watermark)

	n, err := e.DownloadTags(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, rm.calls["tags"])
}
