// Package kbsync reconciles one local knowledge base with the remote
// knowledge service: dirty notes go up, remote deltas come down through
// paginated cursors, and note bodies are materialized lazily.
package kbsync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/keylock"
	"github.com/starford/notesync/internal/metrics"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/remote"
	"github.com/starford/notesync/internal/store"
)

// DefaultPageSize is the number of objects requested per page.
const DefaultPageSize = 100

// Remote is the subset of the knowledge service the engine uses.
type Remote interface {
	UploadNote(ctx context.Context, note *remote.ServerNote, res remote.ResourceReader) (uint64, error)
	DownloadNote(ctx context.Context, guid string) (*remote.NoteData, error)
	DownloadNoteResource(ctx context.Context, guid, name string) ([]byte, error)
	DownloadNotes(ctx context.Context, since uint64, count int) ([]remote.ServerNote, error)
	DownloadDeletedObjects(ctx context.Context, since uint64, count int) ([]models.Tombstone, error)
	UploadDeletedObjects(ctx context.Context, objects []models.Tombstone) (uint64, error)
	DownloadTags(ctx context.Context, since uint64, count int) ([]remote.ServerTag, error)
}

var _ Remote = (*remote.KnowledgeClient)(nil)

// State is the phase an engine is in.
type State int32

const (
	StateIdle State = iota
	StateUploading
	StateDownloading
	StateMaterializing
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateUploading:
		return "uploading"
	case StateDownloading:
		return "downloading"
	case StateMaterializing:
		return "materializing"
	case StateErrored:
		return "errored"
	default:
		return "idle"
	}
}

// Options select the phases of one run.
type Options struct {
	// DownloadFirst pulls before pushing. Used on the first bind of an
	// account, when there is no local state worth protecting.
	DownloadFirst bool
	// UploadOnly skips every download phase and materialization.
	UploadOnly bool
	// WaitDownload makes Run wait for body materialization.
	WaitDownload bool
	// DownloadTrashNotes materializes bodies of trashed notes too.
	DownloadTrashNotes bool
	// Manual marks a user-requested run.
	Manual bool
	// NoWait bypasses the scheduling debounce.
	NoWait bool
}

// Result summarizes a run.
type Result struct {
	UploadedCount       int      `json:"uploadedCount"`
	DownloadedCount     int      `json:"downloadedCount"`
	DownloadedTagsCount int      `json:"downloadedTagsCount"`
	FailedNotes         []string `json:"failedNotes"`
}

// Config tunes an engine.
type Config struct {
	PageSize int
	// SyncTags enables the tag download phase.
	SyncTags bool
	// DownloadResources fetches resources alongside note bodies.
	DownloadResources bool
	// ResourceConcurrency bounds parallel resource downloads per note.
	ResourceConcurrency int
	// LockTimeout bounds waits on the materialization and per-note locks.
	// Zero waits until the context is done.
	LockTimeout time.Duration
}

// Engine syncs one knowledge base.
type Engine struct {
	db      *store.DB
	remote  Remote
	locks   *keylock.Locker
	bus     *events.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	state atomic.Int32

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithBus overrides the bus engine events go to. It defaults to the
// store's bus.
func WithBus(b *events.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithClock overrides the time source used for tombstones.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an engine for the knowledge base of db.
func New(db *store.DB, rm Remote, locks *keylock.Locker, opts ...Option) *Engine {
	e := &Engine{
		db:     db,
		remote: rm,
		locks:  locks,
		bus:    db.Bus(),
		logger: slog.Default(),
		cfg:    Config{PageSize: DefaultPageSize, DownloadResources: true, ResourceConcurrency: 4},
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.PageSize <= 0 {
		e.cfg.PageSize = DefaultPageSize
	}
	if e.cfg.ResourceConcurrency <= 0 {
		e.cfg.ResourceConcurrency = 1
	}
	e.logger = e.logger.With(slog.String("kb", db.KB()))
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	return e
}

// KB returns the knowledge base guid.
func (e *Engine) KB() string { return e.db.KB() }

// State returns the current phase.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

func (e *Engine) publish(kind events.Kind, data any) {
	e.bus.Publish(events.Event{Kind: kind, KB: e.db.KB(), Data: data})
}

// Close stops detached materialization and waits for it to return.
func (e *Engine) Close() {
	e.bgCancel()
	e.bg.Wait()
}

// Wait blocks until detached materialization passes have finished.
func (e *Engine) Wait() { e.bg.Wait() }

// Run executes one sync. In steady state local changes are pushed before
// remote ones are pulled; with DownloadFirst the order is reversed.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	res, err := e.run(ctx, opts)
	outcome := metrics.OutcomeOK
	if err != nil {
		e.setState(StateErrored)
		outcome = metrics.OutcomeError
		e.logger.Error("sync: run failed", slog.String("error", err.Error()))
	} else {
		e.setState(StateIdle)
		e.logger.Info("sync: run finished",
			slog.Int("uploaded", res.UploadedCount),
			slog.Int("downloaded", res.DownloadedCount),
			slog.Int("failed", len(res.FailedNotes)))
	}
	e.metrics.ObserveRun(e.db.KB(), outcome, time.Since(start))
	return res, err
}

func (e *Engine) run(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{FailedNotes: []string{}}
	download := !opts.UploadOnly

	var err error
	if opts.DownloadFirst {
		e.setState(StateDownloading)
		if e.cfg.SyncTags {
			if res.DownloadedTagsCount, err = e.DownloadTags(ctx); err != nil {
				return nil, err
			}
		}
		if res.DownloadedCount, err = e.DownloadNotes(ctx); err != nil {
			return nil, err
		}
		e.setState(StateUploading)
		if err = e.UploadDeletedNotes(ctx); err != nil {
			return nil, err
		}
		if res.UploadedCount, res.FailedNotes, err = e.UploadNotes(ctx); err != nil {
			return nil, err
		}
	} else {
		e.setState(StateUploading)
		if err = e.UploadDeletedNotes(ctx); err != nil {
			return nil, err
		}
		if download {
			e.setState(StateDownloading)
			if err = e.DownloadDeletedObjects(ctx); err != nil {
				return nil, err
			}
		}
		e.setState(StateUploading)
		if res.UploadedCount, res.FailedNotes, err = e.UploadNotes(ctx); err != nil {
			return nil, err
		}
		if download {
			e.setState(StateDownloading)
			if e.cfg.SyncTags {
				if res.DownloadedTagsCount, err = e.DownloadTags(ctx); err != nil {
					return nil, err
				}
			}
			if res.DownloadedCount, err = e.DownloadNotes(ctx); err != nil {
				return nil, err
			}
		}
	}

	if download {
		if opts.WaitDownload {
			e.setState(StateMaterializing)
			e.materializeAll(ctx, opts.DownloadTrashNotes)
		} else {
			e.bg.Add(1)
			go func() {
				defer e.bg.Done()
				e.materializeAll(e.bgCtx, opts.DownloadTrashNotes)
			}()
		}
	}
	return res, nil
}

// materializeAll runs one materialization pass. Failures are logged; the
// notes concerned stay pending for the next run.
func (e *Engine) materializeAll(ctx context.Context, includeTrash bool) {
	n, err := e.DownloadNotesData(ctx, includeTrash)
	if err != nil {
		e.logger.Warn("sync: materialization pass stopped",
			slog.Int("downloaded", n),
			slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		e.logger.Debug("sync: materialized note bodies", slog.Int("count", n))
	}
}
