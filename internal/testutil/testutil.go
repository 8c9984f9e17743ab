// Package testutil provides shared test helpers for setting up note stores.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/storage"
	"github.com/starford/notesync/internal/store"
)

// Env is a store with its blob directory and event bus.
type Env struct {
	Dir   string
	DB    *store.DB
	Blobs *storage.FS
	Bus   *events.Bus
}

// QuietLogger discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestBlobs creates a temporary blob directory.
func TestBlobs(t *testing.T) *storage.FS {
	t.Helper()
	blobs, err := storage.NewFS(filepath.Join(t.TempDir(), "notes"))
	if err != nil {
		t.Fatal(err)
	}
	return blobs
}

// TestStore opens a store in a temporary directory. Everything is closed
// on cleanup.
func TestStore(t *testing.T, opts ...store.Option) *Env {
	t.Helper()
	dir := t.TempDir()
	blobs, err := storage.NewFS(filepath.Join(dir, "notes"))
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	opts = append([]store.Option{store.WithBus(bus), store.WithLogger(QuietLogger())}, opts...)
	db, err := store.Open(filepath.Join(dir, "index.db"), blobs, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &Env{Dir: dir, DB: db, Blobs: blobs, Bus: bus}
}
