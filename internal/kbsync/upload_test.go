package kbsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/remote/remotetest"
	"github.com/starford/notesync/internal/store"
)

func TestToServerNoteEncodesFlags(t *testing.T) {
	n := &models.Note{
		GUID:     "g",
		Title:    "  Plans ",
		Type:     models.TypeLiteMarkdown,
		Tags:     "#work/",
		Created:  time.UnixMilli(1000),
		Modified: time.UnixMilli(2000),
		Revision: models.ModifiedMetadata(),
		Trash:    true,
		OnTop:    true,
	}
	sn := toServerNote(n)
	require.Equal(t, "Plans.md", sn.Title)
	require.Equal(t, "dt", sn.Author)
	require.Equal(t, "#work/", sn.Keywords)
	require.Equal(t, int64(1000), sn.Created)
	require.Equal(t, int64(2000), sn.DataModified)
	require.Equal(t, int64(-1), sn.Version)

	back := fromServerNote(sn)
	require.Equal(t, "Plans", back.Title)
	require.True(t, back.Trash)
	require.True(t, back.OnTop)
	require.False(t, back.Starred)
	require.False(t, back.Archived)
}

func TestUploadContentDirtyNote(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	require.NoError(t, env.blobs.WriteResource("n1", "a.png", []byte("png")))
	env.clock.Advance(time.Second)
	n, err := env.db.CreateNote(ctx, store.CreateNoteOptions{
		GUID:     "n1",
		Markdown: "# Trip\n![](index_files/a.png) ![](index_files/gone.png)",
	})
	require.NoError(t, err)

	uploaded, failed, err := env.engine.UploadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
	require.Empty(t, failed)

	remoteNote, ok := env.srv.Note(n.GUID)
	require.True(t, ok)
	got, err := env.db.GetNote(ctx, n.GUID)
	require.NoError(t, err)
	require.Equal(t, models.Synced(uint64(remoteNote.Version)), got.Revision)
	require.False(t, got.LastSynced.IsZero())

	require.Equal(t, "# Trip\n![](index_files/a.png) ![](index_files/gone.png)", env.srv.Markdown(n.GUID))
	data, ok := env.srv.Resource(n.GUID, "a.png")
	require.True(t, ok)
	require.Equal(t, []byte("png"), data)

	ups := env.srv.Uploads()
	require.Len(t, ups, 1)
	require.Equal(t, "Trip.md", ups[0].Title)
	require.Equal(t, int64(-2), ups[0].Version)
	require.Equal(t, []models.Resource{{Name: "a.png", Size: 3}}, ups[0].Resources, "missing resources are left out")

	modified, err := env.db.GetModifiedNotes(ctx)
	require.NoError(t, err)
	require.Empty(t, modified)
}

func TestUploadMetadataOnly(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.srv.PutNote(remoteNoteFor("n1"), "# Shared", nil)
	_, err := env.engine.Run(ctx, Options{DownloadFirst: true, WaitDownload: true})
	require.NoError(t, err)

	_, err = env.db.SetNoteStarred(ctx, "n1", true)
	require.NoError(t, err)
	uploaded, _, err := env.engine.UploadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)

	ups := env.srv.Uploads()
	require.Len(t, ups, 1)
	require.Empty(t, ups[0].HTML)
	require.Equal(t, "s", ups[0].Author)
}

func TestUploadKeepsEditMadeDuringUpload(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	n := env.createNote(t, "# A\nv1")
	gate := env.srv.Gate(remotetest.RouteUploadNote)

	type result struct {
		uploaded int
		err      error
	}
	done := make(chan result, 1)
	go func() {
		uploaded, _, err := env.engine.UploadNotes(ctx)
		done <- result{uploaded, err}
	}()
	eventually(t, func() bool { return env.srv.Calls(remotetest.RouteUploadNote) == 1 })

	_, err := env.db.SetNoteContent(ctx, n.GUID, "# A\nv2", store.ContentOptions{})
	require.NoError(t, err)
	close(gate)
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 1, res.uploaded)
	require.Equal(t, "# A\nv1", env.srv.Markdown(n.GUID))

	got, err := env.db.GetNote(ctx, n.GUID)
	require.NoError(t, err)
	require.True(t, got.Revision.IsContentDirty(), "edit made during upload stays dirty")

	uploaded, _, err := env.engine.UploadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
	require.Equal(t, "# A\nv2", env.srv.Markdown(n.GUID))
	got, err = env.db.GetNote(ctx, n.GUID)
	require.NoError(t, err)
	require.True(t, got.Revision.IsSynced())
}

func TestUploadRetriesWithBodyWhenRequired(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	// Known locally as synced but absent on the server.
	_, err := env.db.SyncNote(ctx, fromServerNote(ptr(remoteNoteFor("n1"))))
	require.NoError(t, err)
	_, err = env.db.SyncNoteData(ctx, "n1", "# Orphan\nbody", true)
	require.NoError(t, err)
	_, err = env.db.SetNoteArchived(ctx, "n1", true)
	require.NoError(t, err)

	uploaded, failed, err := env.engine.UploadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
	require.Empty(t, failed)

	ups := env.srv.Uploads()
	require.Len(t, ups, 2)
	require.Empty(t, ups[0].HTML)
	require.NotEmpty(t, ups[1].HTML)
	require.Equal(t, int64(-2), ups[1].Version)
	require.Equal(t, "# Orphan\nbody", env.srv.Markdown("n1"))
}

func TestUploadCollectsFailures(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	first := env.createNote(t, "# First")
	env.createNote(t, "# Second")
	env.srv.FailNext(remotetest.RouteUploadNote, 500, "WizErrorUnknown")

	uploaded, failed, err := env.engine.UploadNotes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
	require.Equal(t, []string{"First"}, failed)

	n, err := env.db.GetNote(ctx, first.GUID)
	require.NoError(t, err)
	require.True(t, n.Revision.IsContentDirty(), "failed note stays dirty")
}

func TestUploadFatalErrorAbortsBatch(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.createNote(t, "# First")
	env.createNote(t, "# Second")
	env.srv.FailNext(remotetest.RouteUploadNote, 500, apperr.ExternPayedPersonalExpired)

	res, err := env.engine.Run(context.Background(), Options{UploadOnly: true})
	require.Error(t, err)
	require.Nil(t, res)
	require.True(t, apperr.IsFatalUpload(err))
	require.Equal(t, 1, env.srv.Calls(remotetest.RouteUploadNote))
}

func TestUploadDeletedNotes(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.srv.PutNote(remoteNoteFor("n1"), "# Doomed", nil)
	env.srv.PutNote(remoteNoteFor("n2"), "# Kept", nil)
	_, err := env.engine.Run(ctx, Options{DownloadFirst: true, WaitDownload: true})
	require.NoError(t, err)

	_, err = env.db.MoveToTrash(ctx, "n1")
	require.NoError(t, err)
	require.NoError(t, env.db.DeleteFromTrash(ctx, "n1"))

	require.NoError(t, env.engine.UploadDeletedNotes(ctx))
	stones := env.srv.Tombstones()
	require.Len(t, stones, 1)
	require.Equal(t, "n1", stones[0].DeletedGUID)
	require.Equal(t, models.TombstoneDocument, stones[0].Type)
	require.Equal(t, env.clock.Now().UnixMilli(), stones[0].Created)

	_, ok := env.srv.Note("n1")
	require.False(t, ok)
	deleted, err := env.db.GetDeletedNotes(ctx)
	require.NoError(t, err)
	require.Empty(t, deleted)

	// Nothing left to send.
	require.NoError(t, env.engine.UploadDeletedNotes(ctx))
	require.Equal(t, 1, env.srv.Calls(remotetest.RouteUploadDeleted))
}
