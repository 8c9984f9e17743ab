// Package store is the local SQLite replica of one knowledge base: the note
// table, the key/value meta table, the backlink table and the full-text
// index. Note bodies live in a storage.Provider next to the database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/storage"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ResourceProcessor rewrites a freshly written body, e.g. to pull external
// images into the note's resource directory. changed reports whether the
// returned markdown differs from the input.
type ResourceProcessor func(ctx context.Context, guid, markdown string) (out string, changed bool, err error)

// DB is the note store for one knowledge base.
type DB struct {
	conn      *sql.DB
	blobs     storage.Provider
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time
	resources ResourceProcessor

	kbMu sync.RWMutex
	kb   string

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Option configures a DB.
type Option func(*DB)

// WithBus sets the bus mutations are published on.
func WithBus(b *events.Bus) Option { return func(db *DB) { db.bus = b } }

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option { return func(db *DB) { db.logger = l } }

// WithKB sets the knowledge base guid stamped on events and notes.
func WithKB(kb string) Option { return func(db *DB) { db.kb = kb } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(db *DB) { db.now = now } }

// WithResourceProcessor installs a hook run after every local body write.
func WithResourceProcessor(p ResourceProcessor) Option {
	return func(db *DB) { db.resources = p }
}

// Open opens (or creates) the SQLite database at dsn and applies pending
// migrations. Bodies are read from and written to blobs.
func Open(dsn string, blobs storage.Provider, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// One writer per knowledge base.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db := &DB{
		conn:   conn,
		blobs:  blobs,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := migrate(context.Background(), conn, migrations(), db.logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := ftsOpen(context.Background(), conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: fts index: %w", err)
	}
	if db.kb == "" {
		kb, _, err := getMeta(context.Background(), conn, MetaKB)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: load kb: %w", err)
		}
		db.kb = kb
	}
	return db, nil
}

// Close closes the database. It is safe to call more than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		db.closeErr = db.conn.Close()
	})
	return db.closeErr
}

// KB returns the knowledge base guid of the store.
func (db *DB) KB() string {
	db.kbMu.RLock()
	defer db.kbMu.RUnlock()
	return db.kb
}

// Bus returns the event bus, which may be nil.
func (db *DB) Bus() *events.Bus { return db.bus }

// Blobs returns the body storage.
func (db *DB) Blobs() storage.Provider { return db.blobs }

// Stats returns connection pool statistics.
func (db *DB) Stats() sql.DBStats { return db.conn.Stats() }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// emitter collects events raised inside a transaction. It also journals
// the body of every note it overwrites so a rollback can put the previous
// bodies back on disk.
type emitter struct {
	kb     string
	events []events.Event
	blobs  storage.Provider
	saved  []savedBody
	seen   map[string]bool
}

type savedBody struct {
	guid   string
	data   []byte
	exists bool
}

func (e *emitter) emit(kind events.Kind, data any) {
	e.events = append(e.events, events.Event{Kind: kind, KB: e.kb, Data: data})
}

// writeNote replaces the body of guid, remembering the body it had before
// the first write in this transaction.
func (e *emitter) writeNote(guid string, data []byte) error {
	if !e.seen[guid] {
		prev, err := e.blobs.ReadNote(guid)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			e.saved = append(e.saved, savedBody{guid: guid})
		case err != nil:
			return err
		default:
			e.saved = append(e.saved, savedBody{guid: guid, data: prev, exists: true})
		}
		e.seen[guid] = true
	}
	return e.blobs.WriteNote(guid, data)
}

// restore puts the journaled bodies back, newest first.
func (e *emitter) restore(logger *slog.Logger) {
	for i := len(e.saved) - 1; i >= 0; i-- {
		b := e.saved[i]
		var err error
		if b.exists {
			err = e.blobs.WriteNote(b.guid, b.data)
		} else {
			err = e.blobs.RemoveBody(b.guid)
		}
		if err != nil {
			logger.Error("store: restore body after rollback failed",
				slog.String("guid", b.guid),
				slog.String("error", err.Error()))
		}
	}
}

// tx runs fn in one transaction and publishes the collected events once it
// commits. Bodies written through the emitter are restored when fn fails or
// the commit does.
func (db *DB) tx(ctx context.Context, op string, fn func(tx *sql.Tx, em *emitter) error) error {
	if db.closed.Load() {
		return apperr.Internal(op, ErrClosed)
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Internal("store: "+op+": begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	em := &emitter{kb: db.KB(), blobs: db.blobs, seen: make(map[string]bool)}
	if err := fn(tx, em); err != nil {
		em.restore(db.logger)
		return err
	}
	if err := tx.Commit(); err != nil {
		em.restore(db.logger)
		return apperr.Internal("store: "+op+": commit", err)
	}
	for _, ev := range em.events {
		db.bus.Publish(ev)
	}
	return nil
}

// read is the query-only counterpart of tx.
func (db *DB) read() (querier, error) {
	if db.closed.Load() {
		return nil, apperr.Internal("read", ErrClosed)
	}
	return db.conn, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
