package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/hazard-announcer/internal/channel"
	"github.com/t77yq/hazard-announcer/internal/filter"
	"github.com/t77yq/hazard-announcer/internal/ledger"
	"github.com/t77yq/hazard-announcer/internal/model"
	"github.com/t77yq/hazard-announcer/internal/monitor"
	"github.com/t77yq/hazard-announcer/internal/scheduler"
	"github.com/t77yq/hazard-announcer/internal/settings"
	"github.com/t77yq/hazard-announcer/internal/source"
	"github.com/t77yq/hazard-announcer/internal/storage"
)

// Options configures an Engine. Only Channel is required.
type Options struct {
	KV           storage.KV
	Fetchers     []source.Fetcher
	Location     string
	FetchTimeout time.Duration

	Channel   channel.AnnouncementChannel
	Notifiers []channel.Notifier

	// Defaults seeds the settings store before persisted settings load
	Defaults *model.Settings
	Criteria *filter.Criteria

	MaxDisplay int
	Metrics    *monitor.Metrics
	Now        func() time.Time
}

// Engine owns the alert store, the fingerprint ledger and the settings, and
// drives the poll loop and the announcer built on them.
type Engine struct {
	logger *zap.Logger
	now    func() time.Time

	metrics   *monitor.Metrics
	store     *monitor.AlertStore
	ledger    *ledger.Ledger
	settings  *settings.Store
	pipeline  *filter.Pipeline
	announcer *scheduler.Announcer
	poller    *scheduler.Poller
	loop      *scheduler.Loop

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New wires the engine. Nothing runs until Start.
func New(opts Options, logger *zap.Logger) (*Engine, error) {
	if opts.Channel == nil {
		return nil, ErrNoChannel
	}
	if opts.KV == nil {
		opts.KV = storage.NewMemoryKV()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	defaults := model.DefaultSettings()
	if opts.Defaults != nil {
		defaults = *opts.Defaults
	}
	criteria := filter.DefaultCriteria()
	if opts.Criteria != nil {
		criteria = *opts.Criteria
	}

	logger = logger.Named("engine")

	st, err := settings.NewStore(opts.KV, defaults, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:   logger,
		now:      opts.Now,
		metrics:  opts.Metrics,
		settings: st,
		ledger:   ledger.New(opts.KV, logger),
		ctx:      context.Background(),
	}

	e.store = monitor.NewAlertStore(monitor.StoreOptions{
		MaxDisplay: opts.MaxDisplay,
		Now:        opts.Now,
		Metrics:    opts.Metrics,
		Notifiers:  opts.Notifiers,
		Gate:       func(name string) bool { return e.settings.Get().ChannelEnabled(name) },
	}, logger)

	e.pipeline = filter.NewPipeline(st, e.ledger, criteria, logger)
	e.pipeline.OnReject(func(_ *model.Alert, v filter.Verdict) {
		e.metrics.Filtered(string(v.Stage))
	})

	e.announcer = scheduler.NewAnnouncer(opts.Channel, &voiceGate{pipeline: e.pipeline, settings: st}, e.ledger, opts.Metrics, opts.Now, logger)

	e.poller = scheduler.NewPoller(scheduler.PollerConfig{
		Fetchers:     opts.Fetchers,
		Location:     opts.Location,
		FetchTimeout: opts.FetchTimeout,
		Store:        e.store,
		Ledger:       e.ledger,
		Pipeline:     e.pipeline,
		Announcer:    e.announcer,
		Metrics:      opts.Metrics,
		Now:          opts.Now,
	}, logger)
	e.loop = scheduler.NewLoop(e.poller, logger)

	st.Watch(e.settingsChanged)
	return e, nil
}

// Start loads persisted state, schedules the poll loop and runs a first
// cycle immediately. Persistence failures leave defaults in place.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	if err := e.settings.Load(ctx); err != nil {
		e.logger.Warn("Starting with default settings", zap.Error(err))
	}
	if err := e.ledger.Load(ctx); err != nil {
		e.logger.Warn("Starting with empty history", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := e.loop.Start(runCtx, e.settings.Get().PollInterval()); err != nil {
		cancel()
		return fmt.Errorf("failed to start poll loop: %w", err)
	}
	e.ctx = runCtx
	e.cancel = cancel
	e.started = true

	e.loop.Trigger()
	e.logger.Info("Engine started", zap.Duration("poll_interval", e.settings.Get().PollInterval()))
	return nil
}

// Shutdown stops the poll loop, cancels an in-flight cycle, stops playback
// and persists settings and history. ctx bounds the persistence writes.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.loop.Stop()
	e.announcer.Clear()

	var errs []error
	if err := e.settings.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.ledger.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Error("Failed to persist state on shutdown", zap.Error(err))
		return err
	}

	e.logger.Info("Engine stopped")
	return nil
}

// PollOnce runs one poll cycle now; ctx also bounds any playback it starts
func (e *Engine) PollOnce(ctx context.Context) (scheduler.CycleReport, error) {
	return e.poller.Poll(ctx)
}

func (e *Engine) lifetime() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) settingsChanged(old, updated model.Settings) {
	if old.PollIntervalMs == updated.PollIntervalMs {
		return
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	if err := e.loop.Reschedule(updated.PollInterval()); err != nil {
		e.logger.Error("Failed to reschedule poll loop", zap.Error(err))
	}
}

// State returns the announcer state
func (e *Engine) State() scheduler.State {
	return e.announcer.State()
}

// Current returns the alert being announced, if any
func (e *Engine) Current() (*model.Alert, bool) {
	return e.announcer.Current()
}

func (e *Engine) Pause() error {
	return e.announcer.Pause()
}

func (e *Engine) Resume() error {
	return e.announcer.Resume()
}

// Stop ends the current announcement without advancing
func (e *Engine) Stop() {
	e.announcer.Stop()
}

// Skip ends the current announcement and moves to the next queued alert.
// The skipped fingerprint stays eligible.
func (e *Engine) Skip() {
	e.announcer.Skip(e.lifetime())
}

// MuteFor silences announcements for d: muteUntil is set first, then
// playback stops and the queue is cleared
func (e *Engine) MuteFor(ctx context.Context, d time.Duration) (model.Settings, error) {
	until := e.now().Add(d)
	st, err := e.settings.MuteUntil(ctx, until)
	e.announcer.Clear()
	if err != nil {
		return st, err
	}
	e.logger.Info("Announcements muted", zap.Time("until", until))
	return st, nil
}

// Unmute clears muteUntil
func (e *Engine) Unmute(ctx context.Context) (model.Settings, error) {
	return e.settings.Update(ctx, func(st *model.Settings) { st.MuteUntil = 0 })
}

// DismissFingerprint suppresses fp permanently and stops it if it is playing
func (e *Engine) DismissFingerprint(ctx context.Context, fp string) {
	e.ledger.Dismiss(fp, e.now())
	if current, ok := e.announcer.Current(); ok && current.Fingerprint == fp {
		e.announcer.Stop()
	}
	if err := e.ledger.Flush(ctx); err != nil {
		e.logger.Warn("Dismissal kept in memory only", zap.String("fingerprint", fp), zap.Error(err))
	}
}

// History returns the ledger record for fp
func (e *Engine) History(fp string) (model.FingerprintRecord, bool) {
	return e.ledger.Record(fp)
}

// Settings returns the current settings
func (e *Engine) Settings() model.Settings {
	return e.settings.Get()
}

// UpdateSettings applies mutate; invalid results are rejected and the old
// settings kept
func (e *Engine) UpdateSettings(ctx context.Context, mutate func(*model.Settings)) (model.Settings, error) {
	return e.settings.Update(ctx, mutate)
}

// AddAlert admits a into the active set without going through a source
func (e *Engine) AddAlert(ctx context.Context, a *model.Alert) bool {
	return e.store.AddAlert(ctx, a)
}

func (e *Engine) GetAllAlerts() []*model.Alert {
	return e.store.GetAllAlerts()
}

func (e *Engine) DismissAlert(id string) bool {
	return e.store.DismissAlert(id)
}

func (e *Engine) ClearAllAlerts() {
	e.store.ClearAllAlerts()
}

func (e *Engine) AddListener(fn monitor.Listener) func() {
	return e.store.AddListener(fn)
}

func (e *Engine) Subscribe(sub monitor.Subscription) string {
	return e.store.Subscribe(sub)
}

func (e *Engine) Unsubscribe(id string) bool {
	return e.store.Unsubscribe(id)
}

// voiceGate holds announcements while the voice channel is switched off
type voiceGate struct {
	pipeline *filter.Pipeline
	settings *settings.Store
}

func (g *voiceGate) Recheck(a *model.Alert, now time.Time) filter.Verdict {
	if !g.settings.Get().Voice {
		return filter.Verdict{Stage: filter.StageEnabled, Reason: ErrVoiceDisabled}
	}
	return g.pipeline.Recheck(a, now)
}
