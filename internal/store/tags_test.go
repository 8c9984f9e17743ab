package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/checksum"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/models"
)

func TestRenameTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# A\nfirst #work"})
	require.NoError(t, err)
	b, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# B\nsecond #work/meetings"})
	require.NoError(t, err)
	_, err = env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# C\nthird #workshop"})
	require.NoError(t, err)

	sub := env.bus.Subscribe(events.TagRenamed)
	renamed, err := env.db.RenameTag(ctx, "work", "project")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a.GUID, b.GUID}, renamed)

	evs := collect(sub, 100*time.Millisecond)
	require.Len(t, evs, 1)
	require.Equal(t, events.TagRenamedData{From: "work", To: "project"}, evs[0].Data)

	names, err := env.db.GetAllTagNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"project", "project/meetings", "workshop"}, names)

	md, err := env.db.NoteMarkdown(ctx, b.GUID)
	require.NoError(t, err)
	require.Equal(t, "# B\nsecond #project/meetings", md)

	n, err := env.db.GetNote(ctx, a.GUID)
	require.NoError(t, err)
	require.True(t, n.Revision.IsContentDirty())
}

func TestRenameTagSyncedNotesBecomeContentDirty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	syncedNote(t, env, "s1", 3, "# S1\n#work")
	syncedNote(t, env, "s2", 4, "# S2\n#work")

	renamed, err := env.db.RenameTag(ctx, "#work/", "project")
	require.NoError(t, err)
	require.Len(t, renamed, 2)

	modified, err := env.db.GetModifiedNotes(ctx)
	require.NoError(t, err)
	require.Len(t, modified, 2)
	for _, n := range modified {
		require.Equal(t, models.ModifiedContent(), n.Revision)
		require.Equal(t, "#project/", n.Tags)
	}
}

func TestRenameTagSkipsNotesWithoutBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	remote := remoteNote("r1", 2, "m")
	remote.Tags = "#work/"
	_, err := env.db.SyncNote(ctx, remote)
	require.NoError(t, err)

	sub := env.bus.Subscribe(events.TagRenamed)
	renamed, err := env.db.RenameTag(ctx, "work", "project")
	require.NoError(t, err)
	require.Empty(t, renamed)
	require.Empty(t, collect(sub, 50*time.Millisecond))
}

func TestRenameTagRestoresBodiesWhenWriteFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a, err := env.db.CreateNote(ctx, CreateNoteOptions{GUID: "a", Markdown: "# A\nfirst #project"})
	require.NoError(t, err)
	b, err := env.db.CreateNote(ctx, CreateNoteOptions{GUID: "b", Markdown: "# B\nsecond #project"})
	require.NoError(t, err)

	sub := env.bus.Subscribe(events.TagRenamed, events.ModifyNote)
	env.failWritesAfter(1)
	_, err = env.db.RenameTag(ctx, "project", "work")
	require.ErrorIs(t, err, errDiskFull)
	env.db.blobs = env.blobs

	for guid, body := range map[string]string{a.GUID: "# A\nfirst #project", b.GUID: "# B\nsecond #project"} {
		n, err := env.db.GetNote(ctx, guid)
		require.NoError(t, err)
		require.Equal(t, "#project/", n.Tags)

		onDisk, err := env.blobs.ReadNote(guid)
		require.NoError(t, err)
		require.Equal(t, body, string(onDisk))
		require.Equal(t, n.DataMD5, checksum.String(string(onDisk)))
	}
	require.Empty(t, collect(sub, 50*time.Millisecond))
}

func TestRenameTagRejectsEmptyNames(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.db.RenameTag(context.Background(), "#/", "x")
	var ipe *apperr.InvalidParamError
	require.ErrorAs(t, err, &ipe)
}

func TestGetAllTagsTree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# T\n#a/b/c #a/d #e"})
	require.NoError(t, err)
	trashed, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# Hidden\n#gone"})
	require.NoError(t, err)
	_, err = env.db.MoveToTrash(ctx, trashed.GUID)
	require.NoError(t, err)

	tree, err := env.db.GetAllTags(ctx)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	require.Contains(t, tree, "a")
	require.Contains(t, tree, "e")
	require.Nil(t, tree["e"].Children)

	a := tree["a"]
	require.Equal(t, "a", a.FullPath)
	require.Len(t, a.Children, 2)
	require.Equal(t, "a/b", a.Children["b"].FullPath)
	require.Equal(t, "a/b/c", a.Children["b"].Children["c"].FullPath)
	require.Nil(t, a.Children["d"].Children)
}

func TestGetNotesByTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# T\n#under_score"})
	require.NoError(t, err)
	_, err = env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# U\n#underXscore"})
	require.NoError(t, err)

	guids, err := env.db.GetNotesByTag(ctx, "under_score")
	require.NoError(t, err)
	require.Equal(t, []string{n.GUID}, guids, "LIKE wildcards in tags match literally")
}

func TestTitlesAndBacklinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# Target\nbody"})
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	src, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# Source\nsee [[Target]] and [[Missing]]"})
	require.NoError(t, err)

	titles, err := env.db.GetAllTitles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Source", "Target"}, titles)

	links, err := env.db.GetAllLinks(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []models.Backlink{
		{NoteGUID: src.GUID, Title: "Missing"},
		{NoteGUID: src.GUID, Title: "Target"},
	}, links)

	back, err := env.db.GetBacklinkedNotes(ctx, "Target")
	require.NoError(t, err)
	require.Len(t, back, 1)
	require.Equal(t, "Source", back[0].Title)
}
