package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/models"
)

func TestSyncNoteInsertsUnknownNote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	applied, err := env.db.SyncNote(ctx, remoteNote("n1", 5, "m1"))
	require.NoError(t, err)
	require.True(t, applied)

	n, err := env.db.GetNote(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, models.Synced(5), n.Revision)
	require.Equal(t, models.StatusNeedRedownload, n.LocalStatus)
	require.Equal(t, "kb1", n.KBGUID)
	require.Equal(t, "Remote n1", n.Title)

	next, err := env.db.GetNextNeedRedownloadNote(ctx, false)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, "n1", next.GUID)
}

func TestSyncNoteStoresRemoteModified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n := remoteNote("n1", 5, "m1")
	n.Modified = time.UnixMilli(1_600_000_200_000)
	_, err := env.db.SyncNote(ctx, n)
	require.NoError(t, err)

	got, err := env.db.GetNote(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, n.Modified.UnixMilli(), got.Modified.UnixMilli())
	require.Equal(t, n.DataModified.UnixMilli(), got.DataModified.UnixMilli())

	update := remoteNote("n1", 6, "m1")
	update.Modified = time.UnixMilli(1_600_000_300_000)
	_, err = env.db.SyncNote(ctx, update)
	require.NoError(t, err)
	got, err = env.db.GetNote(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, update.Modified.UnixMilli(), got.Modified.UnixMilli())
	require.Equal(t, update.DataModified.UnixMilli(), got.DataModified.UnixMilli())
}

func TestSyncNoteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	applied, err := env.db.SyncNote(ctx, remoteNote("n1", 5, "m1"))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = env.db.SyncNote(ctx, remoteNote("n1", 5, "m1"))
	require.NoError(t, err)
	require.False(t, applied)
}

func TestSyncNoteLocalContentEditWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.db.SyncNote(ctx, remoteNote("n1", 5, "m1"))
	require.NoError(t, err)
	_, err = env.db.SyncNoteData(ctx, "n1", "# Remote\nbody", false)
	require.NoError(t, err)
	_, err = env.db.SetNoteContent(ctx, "n1", "# Local\nedited", ContentOptions{})
	require.NoError(t, err)

	applied, err := env.db.SyncNote(ctx, remoteNote("n1", 7, "m2"))
	require.NoError(t, err)
	require.False(t, applied)

	n, err := env.db.GetNote(ctx, "n1")
	require.NoError(t, err)
	require.True(t, n.Revision.IsContentDirty())
	require.Equal(t, "Local", n.Title)

	md, err := env.db.NoteMarkdown(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, "# Local\nedited", md)
}

func TestSyncNoteOverwritesMetadataDirty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.db.SyncNote(ctx, remoteNote("n1", 5, "m1"))
	require.NoError(t, err)
	_, err = env.db.SyncNoteData(ctx, "n1", "# Remote\nbody", false)
	require.NoError(t, err)
	_, err = env.db.SetNoteStarred(ctx, "n1", true)
	require.NoError(t, err)

	remote := remoteNote("n1", 6, "m1")
	applied, err := env.db.SyncNote(ctx, remote)
	require.NoError(t, err)
	require.True(t, applied)

	n, err := env.db.GetNote(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, models.Synced(6), n.Revision)
	require.False(t, n.Starred, "remote metadata replaces the local flag edit")
	require.Equal(t, models.StatusDownloaded, n.LocalStatus, "same md5 keeps the body")
}

func TestSyncNoteChangedBodyNeedsRedownload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.db.SyncNote(ctx, remoteNote("n1", 5, "m1"))
	require.NoError(t, err)
	_, err = env.db.SyncNoteData(ctx, "n1", "# Remote\nbody", false)
	require.NoError(t, err)

	applied, err := env.db.SyncNote(ctx, remoteNote("n1", 9, "m2"))
	require.NoError(t, err)
	require.True(t, applied)

	n, err := env.db.GetNote(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, models.Synced(9), n.Revision)
	require.Equal(t, models.StatusNeedRedownload, n.LocalStatus)

	_, err = env.db.NoteMarkdown(ctx, "n1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSyncNoteNeverMaterializedStaysStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.db.SyncNote(ctx, remoteNote("n1", 5, "m1"))
	require.NoError(t, err)
	_, err = env.db.SyncNote(ctx, remoteNote("n1", 6, "m1"))
	require.NoError(t, err)

	n, err := env.db.GetNote(ctx, "n1")
	require.NoError(t, err)
	require.Equal(t, models.StatusNeedRedownload, n.LocalStatus)
}

func TestSyncNoteRejectsDirtyRemote(t *testing.T) {
	env := newTestEnv(t)
	bad := remoteNote("n1", 0, "m")
	bad.Revision = models.ModifiedContent()

	_, err := env.db.SyncNote(context.Background(), bad)
	var ipe *apperr.InvalidParamError
	require.ErrorAs(t, err, &ipe)
}
