// Package session orchestrates sync runs for one account: it binds the
// account, keeps at most one run in flight, debounces background requests
// and refreshes the token when the remote rejects it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/starford/notesync/internal/apperr"
	"github.com/starford/notesync/internal/events"
	"github.com/starford/notesync/internal/kbsync"
	"github.com/starford/notesync/internal/keylock"
	"github.com/starford/notesync/internal/metrics"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/remote"
	"github.com/starford/notesync/internal/store"
)

// DefaultDebounce is the quiet window before a background sync starts.
const DefaultDebounce = 3 * time.Second

// StartData accompanies syncStart.
type StartData struct {
	Manual bool `json:"manual"`
	// InProgress is set when the request found a run already active and
	// was dropped.
	InProgress bool `json:"inProgress,omitempty"`
}

// FinishData accompanies syncFinish.
type FinishData struct {
	Result *kbsync.Result `json:"result"`
	Manual bool           `json:"manual"`
}

// ErrorData accompanies syncError.
type ErrorData struct {
	apperr.Payload
	Manual bool `json:"manual"`
}

// Coordinator owns the sync engine of one account.
type Coordinator struct {
	db         *store.DB
	locks      *keylock.Locker
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      Clock
	delay      time.Duration
	remoteOpts []remote.Option
	engineOpts []kbsync.Option

	refresh  singleflight.Group
	debounce *Debouncer
	running  atomic.Bool

	mu      sync.Mutex
	engine  *kbsync.Engine
	pending *kbsync.Options
	closed  bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithClock replaces the clock used for debouncing.
func WithClock(clock Clock) Option { return func(c *Coordinator) { c.clock = clock } }

// WithDebounce sets the quiet window of background syncs.
func WithDebounce(d time.Duration) Option { return func(c *Coordinator) { c.delay = d } }

// WithRemoteOptions passes options to every remote client the coordinator
// builds.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(c *Coordinator) { c.remoteOpts = append(c.remoteOpts, opts...) }
}

// WithEngineOptions passes options to the sync engine.
func WithEngineOptions(opts ...kbsync.Option) Option {
	return func(c *Coordinator) { c.engineOpts = append(c.engineOpts, opts...) }
}

// New returns a coordinator for the account stored in db. Call Start to
// pick up a stored account or Bind to log in.
func New(db *store.DB, locks *keylock.Locker, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:     db,
		locks:  locks,
		logger: slog.Default(),
		clock:  realClock{},
		delay:  DefaultDebounce,
	}
	for _, o := range opts {
		o(c)
	}
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	c.debounce = NewDebouncer(c.clock, c.delay, c.fire)
	return c
}

func (c *Coordinator) publish(kind events.Kind, data any) {
	c.db.Bus().Publish(events.Event{Kind: kind, KB: c.db.KB(), Data: data})
}

// Start attaches the stored account, if there is one.
func (c *Coordinator) Start(ctx context.Context) error {
	acc, err := c.db.GetAccount(ctx)
	if errors.Is(err, apperr.ErrNoAccount) {
		c.logger.Info("session: no account bound")
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.db.BindKB(ctx, acc.KBGUID); err != nil {
		return err
	}
	c.attach(acc.User, acc.Server)
	return nil
}

// Bind logs in, stores the account and runs the first sync. A new account
// pulls before it pushes.
func (c *Coordinator) Bind(ctx context.Context, server, userID, password string) (*kbsync.Result, error) {
	ac := remote.NewAccountClient(server, c.remoteOpts...)
	user, err := ac.Login(ctx, userID, password)
	if err != nil {
		return nil, err
	}

	first := true
	if prev, err := c.db.GetAccount(ctx); err == nil && prev.UserGUID == user.UserGUID {
		first = false
	}
	if err := c.db.BindKB(ctx, user.KBGUID); err != nil {
		return nil, err
	}
	if err := c.db.UpdateAccount(ctx, models.Account{User: *user, Server: server, Password: password}); err != nil {
		return nil, err
	}
	c.attach(*user, server)
	c.logger.Info("session: account bound",
		slog.String("user", user.UserID),
		slog.String("kb", user.KBGUID))

	return c.runNow(ctx, kbsync.Options{DownloadFirst: first, WaitDownload: true, Manual: true})
}

func (c *Coordinator) attach(user models.User, server string) {
	kbServer := user.KBServer
	if kbServer == "" {
		kbServer = server
	}
	opts := append([]remote.Option{}, c.remoteOpts...)
	opts = append(opts, remote.WithTokenRefresher(c.RefreshToken))
	kc := remote.NewKnowledgeClient(kbServer, user.KBGUID, user.Token, opts...)

	engineOpts := append([]kbsync.Option{kbsync.WithLogger(c.logger), kbsync.WithMetrics(c.metrics)}, c.engineOpts...)
	engine := kbsync.New(c.db, kc, c.locks, engineOpts...)

	c.mu.Lock()
	prev := c.engine
	c.engine = engine
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// Engine returns the engine of the bound account, or nil.
func (c *Coordinator) Engine() *kbsync.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// Running reports whether a run is in flight.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Sync requests a run. Manual and NoWait requests run now and return the
// result; others are coalesced into one run after the quiet window and
// return nil. A request made while a run is active is dropped.
func (c *Coordinator) Sync(ctx context.Context, opts kbsync.Options) (*kbsync.Result, error) {
	if c.Engine() == nil {
		return nil, fmt.Errorf("session: sync: %w", apperr.ErrNoAccount)
	}
	if opts.Manual || opts.NoWait {
		return c.runNow(ctx, opts)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil
	}
	if c.pending == nil {
		c.pending = &opts
	} else {
		// The coalesced run covers every request it absorbed.
		c.pending.UploadOnly = c.pending.UploadOnly && opts.UploadOnly
		c.pending.WaitDownload = c.pending.WaitDownload || opts.WaitDownload
		c.pending.DownloadTrashNotes = c.pending.DownloadTrashNotes || opts.DownloadTrashNotes
	}
	c.mu.Unlock()
	c.debounce.Trigger()
	return nil, nil
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	opts := c.pending
	c.pending = nil
	if opts == nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.bg.Add(1)
	c.mu.Unlock()
	defer c.bg.Done()

	if _, err := c.runNow(c.bgCtx, *opts); err != nil {
		c.logger.Warn("session: background sync failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) runNow(ctx context.Context, opts kbsync.Options) (*kbsync.Result, error) {
	engine := c.Engine()
	if engine == nil {
		return nil, fmt.Errorf("session: sync: %w", apperr.ErrNoAccount)
	}
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("session: sync already in progress")
		c.publish(events.SyncStart, StartData{Manual: opts.Manual, InProgress: true})
		c.metrics.ObserveRun(c.db.KB(), metrics.OutcomeSkipped, 0)
		return nil, nil
	}
	defer c.running.Store(false)

	c.publish(events.SyncStart, StartData{Manual: opts.Manual})
	res, err := engine.Run(ctx, opts)
	if err != nil {
		c.publish(events.SyncError, ErrorData{Payload: apperr.Normalize(err), Manual: opts.Manual})
		return nil, err
	}
	c.publish(events.SyncFinish, FinishData{Result: res, Manual: opts.Manual})
	return res, nil
}

// RefreshToken logs in again with the stored credentials, persists the
// new token and returns it. Concurrent callers share one login.
func (c *Coordinator) RefreshToken(ctx context.Context) (string, error) {
	v, err, _ := c.refresh.Do("refresh", func() (any, error) {
		acc, err := c.db.GetAccount(ctx)
		if err != nil {
			return "", err
		}
		ac := remote.NewAccountClient(acc.Server, c.remoteOpts...)
		user, err := ac.Login(ctx, acc.UserID, acc.Password)
		if err != nil {
			return "", err
		}
		if err := c.db.UpdateUserInfo(ctx, *user); err != nil {
			return "", err
		}
		c.logger.Info("session: token refreshed", slog.String("user", user.UserID))
		return user.Token, nil
	})
	c.metrics.ObserveRefresh(err)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close drops any pending run, waits for background work and stops the
// engine.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	engine := c.engine
	c.mu.Unlock()

	c.debounce.Cancel()
	c.bgCancel()
	c.bg.Wait()
	if engine != nil {
		engine.Close()
	}
}
