package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
)

func syncedNote(t *testing.T, env *testEnv, guid string, version uint64, body string) {
	t.Helper()
	ctx := context.Background()
	_, err := env.db.SyncNote(ctx, remoteNote(guid, version, "m-"+guid))
	require.NoError(t, err)
	_, err = env.db.SyncNoteData(ctx, guid, body, true)
	require.NoError(t, err)
}

func TestMoveToTrashMarksMetadataDirty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	syncedNote(t, env, "n1", 4, "# T\n#tag")
	sub := env.bus.Subscribe()

	n, err := env.db.MoveToTrash(ctx, "n1")
	require.NoError(t, err)
	require.True(t, n.Trash)
	require.Equal(t, models.ModifiedMetadata(), n.Revision)

	got := kinds(collect(sub, 100*time.Millisecond))
	require.Equal(t, []events.Kind{events.DeleteNotes, events.ModifyNote, events.TagsChanged}, got)

	inTrash, err := env.db.HasNotesInTrash(ctx)
	require.NoError(t, err)
	require.True(t, inTrash)

	n, err = env.db.PutBackFromTrash(ctx, "n1")
	require.NoError(t, err)
	require.False(t, n.Trash)

	inTrash, err = env.db.HasNotesInTrash(ctx)
	require.NoError(t, err)
	require.False(t, inTrash)
}

func TestFlagChangeKeepsContentDirty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# Draft"})
	require.NoError(t, err)

	for _, set := range []func() (*models.Note, error){
		func() (*models.Note, error) { return env.db.SetNoteStarred(ctx, n.GUID, true) },
		func() (*models.Note, error) { return env.db.SetNoteArchived(ctx, n.GUID, true) },
		func() (*models.Note, error) { return env.db.SetNoteOnTop(ctx, n.GUID, true) },
		func() (*models.Note, error) { return env.db.MoveToTrash(ctx, n.GUID) },
	} {
		got, err := set()
		require.NoError(t, err)
		require.True(t, got.Revision.IsContentDirty())
	}

	stored, err := env.db.GetNote(ctx, n.GUID)
	require.NoError(t, err)
	require.True(t, stored.Starred)
	require.True(t, stored.Archived)
	require.True(t, stored.OnTop)
	require.True(t, stored.Trash)
}

func TestDeleteFromTrashThenPermanentDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	syncedNote(t, env, "n1", 4, "# Gone\n[[Elsewhere]]")

	_, err := env.db.MoveToTrash(ctx, "n1")
	require.NoError(t, err)
	require.NoError(t, env.db.DeleteFromTrash(ctx, "n1"))

	_, err = env.db.GetNote(ctx, "n1")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	deleted, err := env.db.GetDeletedNotes(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	modified, err := env.db.GetModifiedNotes(ctx)
	require.NoError(t, err)
	require.Empty(t, modified, "deleted rows travel as tombstones, not uploads")

	removed, err := env.db.PermanentDelete(ctx, []string{"n1", "unknown"})
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.False(t, env.blobs.NoteExists("n1"))

	deleted, err = env.db.GetDeletedNotes(ctx)
	require.NoError(t, err)
	require.Empty(t, deleted)

	links, err := env.db.GetAllLinks(ctx)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestMutatingMissingNote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.db.MoveToTrash(ctx, "nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = env.db.SetNoteStarred(ctx, "nope", true)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	err = env.db.DeleteFromTrash(ctx, "nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = env.db.SetNoteVersion(ctx, "nope", models.Synced(1))
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetNoteVersionStampsLastSynced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# X"})
	require.NoError(t, err)

	got, err := env.db.SetNoteVersion(ctx, n.GUID, models.Synced(12))
	require.NoError(t, err)
	require.Equal(t, models.Synced(12), got.Revision)
	require.Equal(t, env.clock.Now().UnixMilli(), got.LastSynced.UnixMilli())

	modified, err := env.db.GetModifiedNotes(ctx)
	require.NoError(t, err)
	require.Empty(t, modified)
}

func TestMarkUploadedKeepsNoteEditedSinceRead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# X\nv1"})
	require.NoError(t, err)

	edited, err := env.db.SetNoteContent(ctx, n.GUID, "# X\nv2", ContentOptions{})
	require.NoError(t, err)
	require.Greater(t, edited.EditSeq, n.EditSeq)

	got, stale, err := env.db.MarkUploaded(ctx, n.GUID, 5, n.EditSeq)
	require.NoError(t, err)
	require.True(t, stale)
	require.Equal(t, models.ModifiedContent(), got.Revision)

	got, stale, err = env.db.MarkUploaded(ctx, n.GUID, 6, edited.EditSeq)
	require.NoError(t, err)
	require.False(t, stale)
	require.Equal(t, models.Synced(6), got.Revision)
	require.Equal(t, env.clock.Now().UnixMilli(), got.LastSynced.UnixMilli())
}

func TestMarkUploadedSeesFlagChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	syncedNote(t, env, "s1", 3, "# S1")
	before, err := env.db.MoveToTrash(ctx, "s1")
	require.NoError(t, err)
	_, err = env.db.SetNoteStarred(ctx, "s1", true)
	require.NoError(t, err)

	_, stale, err := env.db.MarkUploaded(ctx, "s1", 4, before.EditSeq)
	require.NoError(t, err)
	require.True(t, stale)
	modified, err := env.db.GetModifiedNotes(ctx)
	require.NoError(t, err)
	require.Len(t, modified, 1)
}
