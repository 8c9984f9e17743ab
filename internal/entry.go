// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/notesync/internal/api"
	"github.com/starford/notesync/internal/asset"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/kbsync"
	"github.com/starford/notesync/internal/keylock"
	"github.com/starford/notesync/internal/mcpserver"
	"github.com/starford/notesync/internal/metrics"
	"github.com/starford/notesync/internal/noteservice"
	"github.com/starford/notesync/internal/remote"
	"github.com/starford/notesync/internal/session"
	"github.com/starford/notesync/internal/sse"
	"github.com/starford/notesync/internal/storage"
	"github.com/starford/notesync/internal/store"
)

const dbStatsInterval = 15 * time.Second

// runtime holds the wired components shared by every command.
type runtime struct {
	cfg     *Config
	logger  *slog.Logger
	blobs   *storage.FS
	bus     *events.Bus
	db      *store.DB
	metrics *metrics.Metrics
	coord   *session.Coordinator
	svc     *noteservice.Service
	closers []io.Closer
}

func newApplication(opts []Option) (*application, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// newLogger builds the JSON logger, writing to a size-rotated file when
// app.log_file is set.
func newLogger(app *application) (*slog.Logger, io.Closer) {
	cfg := app.config.App
	var (
		out    = app.logOutput
		closer io.Closer
	)
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: 3,
			Compress:   true,
		}
		out, closer = lj, lj
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	return logger, closer
}

// open wires storage, the store, the session coordinator and the note
// service. The stored account, if any, is attached.
func open(ctx context.Context, app *application) (*runtime, error) {
	cfg := app.config
	logger, logCloser := newLogger(app)
	slog.SetDefault(logger)

	rt := &runtime{cfg: cfg, logger: logger}
	if logCloser != nil {
		rt.closers = append(rt.closers, logCloser)
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("db_path", cfg.Data.DBPath),
		slog.String("blob_dir", cfg.Data.BlobDir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(filepath.Dir(cfg.Data.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	blobs, err := storage.NewFS(cfg.Data.BlobDir)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	rt.blobs = blobs
	rt.bus = events.NewBus()
	assets := asset.NewStore(blobs, nil, logger)

	db, err := store.Open(cfg.Data.DBPath, blobs,
		store.WithBus(rt.bus),
		store.WithLogger(logger),
		store.WithResourceProcessor(assets.Process))
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	rt.db = db

	rt.metrics = metrics.New()
	remoteOpts := []remote.Option{
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.RequestTimeout}),
		remote.WithLogger(logger),
	}
	if cfg.Remote.ClientVersion != "" {
		remoteOpts = append(remoteOpts, remote.WithClientVersion(cfg.Remote.ClientVersion))
	}
	rt.coord = session.New(db, keylock.New(),
		session.WithLogger(logger),
		session.WithMetrics(rt.metrics),
		session.WithDebounce(cfg.Sync.Debounce),
		session.WithRemoteOptions(remoteOpts...),
		session.WithEngineOptions(
			kbsync.WithConfig(cfg.Sync.Engine()),
			kbsync.WithBus(rt.bus),
		),
	)
	if err := rt.coord.Start(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}

	rt.svc = noteservice.NewService(db, rt.coord, assets, logger)
	return rt, nil
}

// Close stops the session, the store and the event bus, in that order.
func (rt *runtime) Close() {
	if rt.coord != nil {
		rt.coord.Close()
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	for _, c := range rt.closers {
		_ = c.Close()
	}
}

// Run starts the HTTP server with the given options and blocks until a
// shutdown signal or ctx cancellation.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	rt, err := open(ctx, app)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.cfg, rt.logger

	if err := store.Reconcile(ctx, rt.db, logger); err != nil {
		logger.Warn("initial reconcile failed", slog.String("error", err.Error()))
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	broker.Follow(rt.bus)

	apiRouter := api.NewRouter(rt.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if _, err := rt.db.GetAllTitles(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", rt.metrics.Handler())

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Sync.WatchBlobs {
		g.Go(func() error {
			if err := store.Watch(gCtx, rt.db, rt.blobs, logger); err != nil {
				logger.Error("blob watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		t := time.NewTicker(dbStatsInterval)
		defer t.Stop()
		for {
			rt.metrics.RecordDBPoolStats(rt.db.Stats())
			select {
			case <-gCtx.Done():
				return nil
			case <-t.C:
			}
		}
	})

	// Catch up with the server when an account is attached.
	if rt.coord.Engine() != nil {
		g.Go(func() error {
			if _, err := rt.coord.Sync(gCtx, kbsync.Options{NoWait: true}); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("startup sync failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so background loops stop with the server.
var errShutdown = errors.New("shutdown")

// Sync runs one manual sync of the bound account and returns its result.
func Sync(ctx context.Context, opts ...Option) (*kbsync.Result, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	rt, err := open(ctx, app)
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	return rt.svc.Sync(ctx)
}

// Bind logs in to server and runs the first sync of the account. An empty
// server falls back to remote.server from the configuration.
func Bind(ctx context.Context, server, userID, password string, opts ...Option) (*kbsync.Result, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	if server == "" {
		server = app.config.Remote.Server
	}
	if server == "" {
		return nil, fmt.Errorf("bind: no server given and remote.server is not configured")
	}
	rt, err := open(ctx, app)
	if err != nil {
		return nil, err
	}
	defer rt.Close()
	return rt.svc.Bind(ctx, server, userID, password)
}

// ServeMCP exposes the note service over MCP on stdin/stdout.
func ServeMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	rt, err := open(ctx, app)
	if err != nil {
		return err
	}
	defer rt.Close()
	return mcpserver.New(rt.svc).ServeStdio()
}
