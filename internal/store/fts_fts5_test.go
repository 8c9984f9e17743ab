//go:build sqlite_fts5

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenRebuildsStaleFullTextIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.db.CreateNote(ctx, CreateNoteOptions{Markdown: "# Indexed\nalpha"})
	require.NoError(t, err)

	// A build without FTS5 writes rows the index never sees.
	_, err = env.db.conn.Exec(`INSERT INTO wiz_note (guid, title, text) VALUES ('raw', 'Unindexed', 'zebra crossing')`)
	require.NoError(t, err)
	require.NoError(t, env.db.SetMeta(ctx, metaFTSStale, "1"))
	require.NoError(t, env.db.Close())

	db, err := Open(env.dsn, env.blobs, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notes, err := db.QueryNotes(ctx, 0, 10, QueryFilter{Search: "zebra"})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "raw", notes[0].GUID)
	notes, err = db.QueryNotes(ctx, 0, 10, QueryFilter{Search: "alpha"})
	require.NoError(t, err)
	require.Len(t, notes, 1)

	_, stale, err := db.GetMeta(ctx, metaFTSStale)
	require.NoError(t, err)
	require.False(t, stale)
}
