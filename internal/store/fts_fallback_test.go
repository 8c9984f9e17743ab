//go:build !sqlite_fts5

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchTreatsWildcardsLiterally(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	literal, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# Budget\nspent 50% of it, see file_a"})
	require.NoError(t, err)
	_, err = env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# Stock\n500 items in fileXa"})
	require.NoError(t, err)

	for _, q := range []string{"50%", "file_a"} {
		notes, err := env.db.QueryNotes(ctx, 0, 10, QueryFilter{Search: q})
		require.NoError(t, err)
		require.Len(t, notes, 1, q)
		require.Equal(t, literal.GUID, notes[0].GUID)
	}

	notes, err := env.db.QueryNotes(ctx, 0, 10, QueryFilter{Search: `\`})
	require.NoError(t, err)
	require.Empty(t, notes)
}

func TestOpenMarksFullTextIndexStale(t *testing.T) {
	env := newTestEnv(t)
	v, ok, err := env.db.GetMeta(context.Background(), metaFTSStale)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)
}
