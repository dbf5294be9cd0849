package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/fullsync"
	"github.com/replicasync/replica/internal/metrics"
	"github.com/replicasync/replica/internal/model"
	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
)

// ErrShutdownTimeout is returned by Stop when background work did not
// finish within Config.ShutdownTimeout.
var ErrShutdownTimeout = errors.New("daemon shutdown timed out")

// Config holds configuration for the daemon.
type Config struct {
	Poller PollerConfig

	// FullSyncInterval is the cadence of scheduled full syncs.
	FullSyncInterval time.Duration

	// Debounce is how long a table must be quiet before a triggered
	// upload. This batches rapid local writes together.
	Debounce time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight work.
	ShutdownTimeout time.Duration

	// TokenFile and KeyFile are watched for changes when set.
	TokenFile string
	KeyFile   string

	// SkipInitialFullSync disables the startup full sync of tables that
	// were never synced.
	SkipInitialFullSync bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Poller:           DefaultPollerConfig(),
		FullSyncInterval: time.Hour,
		Debounce:         500 * time.Millisecond,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Initializer registers the device with the server.
type Initializer interface {
	BackupInit(ctx context.Context) (*wire.BackupInitResponse, error)
}

// Daemon orchestrates polling, scheduled full syncs, write-triggered
// uploads and credential watching.
type Daemon struct {
	engine *syncengine.Engine
	full   *fullsync.Manager
	init   Initializer
	cfg    Config

	state   *SyncState
	poller  *Poller
	timer   *FullSyncTimer
	queue   *TriggerQueue
	watcher *CredentialWatcher

	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    func(Event)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithMetrics records poller state on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithEvents sends daemon events to fn. fn must not block.
func WithEvents(fn func(Event)) Option {
	return func(d *Daemon) { d.sink = fn }
}

// New creates a Daemon. Use Start or Run to begin syncing.
//
// The engine can only exist with a ready encryption gateway, so a daemon
// can never run without one.
func New(engine *syncengine.Engine, full *fullsync.Manager, init Initializer, cfg Config, opts ...Option) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("daemon requires a sync engine")
	}
	if full == nil {
		return nil, fmt.Errorf("daemon requires a full sync manager")
	}
	d := DefaultConfig()
	if cfg.FullSyncInterval <= 0 {
		cfg.FullSyncInterval = d.FullSyncInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = d.Debounce
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}

	dm := &Daemon{
		engine: engine,
		full:   full,
		init:   init,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(dm)
	}
	if dm.logger == nil {
		dm.logger = slog.Default()
	}

	dm.state = NewSyncState(dm.logger)
	dm.poller = NewPoller(engine, dm.state, cfg.Poller, dm.logger)
	dm.poller.SetMetrics(dm.metrics)
	dm.poller.OnCycle(dm.onCycle)
	dm.timer = NewFullSyncTimer(full, dm.state, dm.poller, cfg.FullSyncInterval, dm.logger)
	dm.timer.OnRun(dm.onFullSync)
	dm.queue = NewTriggerQueue(engine, dm.state, dm.poller, cfg.Debounce, dm.logger)
	dm.queue.OnUpload(dm.onUpload)
	return dm, nil
}

// State returns the shared SyncState.
func (d *Daemon) State() *SyncState { return d.state }

// Poller returns the incremental poller.
func (d *Daemon) Poller() *Poller { return d.poller }

// Timer returns the full-sync timer.
func (d *Daemon) Timer() *FullSyncTimer { return d.timer }

// Queue returns the write-trigger queue.
func (d *Daemon) Queue() *TriggerQueue { return d.queue }

// Start registers the device, runs the initial full sync of never-synced
// tables, and launches the background loops. It returns once they are
// running. An unreachable server does not prevent starting.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	if err := d.start(ctx); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	d.logger.Info("starting sync daemon", "tables", d.engine.Store().Catalog().Names())

	if d.init != nil {
		resp, err := d.init.BackupInit(ctx)
		switch {
		case err == nil:
			d.logger.Debug("device registered", "tables", len(resp.TableMappings), "api_version", resp.APIVersion)
		case wire.IsNetworkUnavailable(err):
			d.logger.Warn("server unreachable, starting offline", "error", err)
		case wire.IsAuthError(err):
			d.poller.pauseForAuth(err)
			d.emit(EventPaused, PauseData{Reason: err.Error()})
		default:
			return fmt.Errorf("backup init failed: %w", err)
		}
	}

	if !d.cfg.SkipInitialFullSync && !d.poller.AuthPaused() {
		if err := d.initialFullSync(ctx); err != nil {
			return err
		}
	}

	if d.cfg.TokenFile != "" || d.cfg.KeyFile != "" {
		w, err := NewCredentialWatcher(d.onCredential, d.logger)
		if err != nil {
			return err
		}
		if err := w.Watch(d.cfg.TokenFile, CredentialToken); err != nil {
			_ = w.Stop()
			return err
		}
		if err := w.Watch(d.cfg.KeyFile, CredentialKey); err != nil {
			_ = w.Stop()
			return err
		}
		if err := w.Start(); err != nil {
			_ = w.Stop()
			return err
		}
		d.watcher = w
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.engine.Store().SetNotifier(d.queue)
	d.poller.Start(runCtx)
	d.timer.Start(runCtx)
	d.queue.Start(runCtx)

	d.logger.Info("sync daemon started",
		"poll_interval", d.poller.Interval(), "full_sync_interval", d.cfg.FullSyncInterval)
	return nil
}

// initialFullSync fully syncs every table that has never completed a sync.
// Network and authentication failures are not fatal; the scheduled runs
// retry later.
func (d *Daemon) initialFullSync(ctx context.Context) error {
	st := d.engine.Store()
	var tables []string
	for _, name := range st.Catalog().Names() {
		md, err := st.GetSyncMetadata(ctx, name)
		if err != nil {
			return err
		}
		if md.SyncStatus != model.TableSynced {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return nil
	}
	if !d.state.TryEnter(KindFull) {
		return nil
	}
	defer d.state.Leave()

	d.logger.Info("running initial full sync", "tables", tables)
	var results []fullsync.Result
	for _, name := range tables {
		res, err := d.full.SyncTable(ctx, name)
		results = append(results, res)
		if err == nil {
			continue
		}
		switch {
		case isAuthFailure(err):
			d.poller.pauseForAuth(err)
			d.emit(EventPaused, PauseData{Reason: err.Error()})
			return nil
		case wire.IsNetworkUnavailable(err):
			d.logger.Warn("initial full sync deferred: server unreachable", "table", name)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			d.logger.Warn("initial full sync failed", "table", name, "error", err)
		}
	}
	d.onFullSync(TimerOutcome{Results: results})
	return nil
}

// Stop cancels every loop and waits up to ShutdownTimeout for in-flight
// work. After the timeout it returns ErrShutdownTimeout without waiting
// further.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("stopping sync daemon")
	d.engine.Store().SetNotifier(nil)
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.poller.Stop()
		d.timer.Stop()
		d.queue.Stop()
		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Warn("failed to stop credential watcher", "error", err)
			}
		}
	}()

	select {
	case <-done:
		d.logger.Info("sync daemon stopped")
		return nil
	case <-time.After(d.cfg.ShutdownTimeout):
		d.logger.Warn("sync daemon shutdown timed out", "timeout", d.cfg.ShutdownTimeout)
		return ErrShutdownTimeout
	}
}

// Run starts the daemon and blocks until ctx is done, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Status is a point-in-time view of the daemon.
type Status struct {
	State        string        `json:"state"`
	PollInterval time.Duration `json:"poll_interval"`
	Paused       bool          `json:"paused"`
	AuthPaused   bool          `json:"auth_paused"`
	LastCycle    time.Time     `json:"last_cycle,omitzero"`
	LastError    string        `json:"last_error,omitempty"`
	QueuedTables int           `json:"queued_tables"`
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	last, err := d.poller.LastCycle()
	s := Status{
		State:        d.state.Current(),
		PollInterval: d.poller.Interval(),
		Paused:       d.poller.Paused(),
		AuthPaused:   d.poller.AuthPaused(),
		LastCycle:    last,
		QueuedTables: d.queue.Len(),
	}
	if err != nil {
		s.LastError = err.Error()
	}
	return s
}

func (d *Daemon) onCredential(ev CredentialEvent) {
	d.emit(EventCredential, CredentialData{Kind: ev.Kind.String(), Path: ev.Path})
	switch ev.Kind {
	case CredentialToken:
		if d.poller.AuthPaused() {
			d.poller.Resume()
			d.emit(EventResumed, PauseData{Reason: "token file changed"})
		}
	case CredentialKey:
		d.logger.Warn("encryption key file changed; restart the daemon to use the new key", "path", ev.Path)
	}
}

func (d *Daemon) onCycle(out Outcome) {
	if out.Skipped {
		return
	}
	data := CycleData{
		Uploaded:     out.Result.Uploaded(),
		Downloaded:   out.Result.Download.Applied + out.Result.Download.Merged,
		Conflicts:    out.Result.Conflicts(),
		Cursor:       out.Result.Download.Cursor,
		Duration:     out.Result.Duration,
		NextInterval: out.NextInterval,
	}
	if out.Err != nil {
		data.Error = out.Err.Error()
	}
	d.emit(EventCycle, data)
	if isAuthFailure(out.Err) {
		d.emit(EventPaused, PauseData{Reason: out.Err.Error()})
	}
}

func (d *Daemon) onFullSync(out TimerOutcome) {
	if out.Skipped {
		return
	}
	for _, r := range out.Results {
		d.emit(EventFullSync, FullSyncData{
			Table:      r.Table,
			Mode:       string(r.Mode),
			Applied:    r.Applied,
			Merged:     r.Merged,
			Conflicts:  r.Conflicts,
			Historical: r.Historical,
			Duration:   r.Duration,
		})
	}
	if out.Err != nil && isAuthFailure(out.Err) {
		d.emit(EventPaused, PauseData{Reason: out.Err.Error()})
	}
}

func (d *Daemon) onUpload(res syncengine.UploadResult, err error) {
	if res.Uploaded == 0 && res.Conflicts == 0 && err == nil {
		return
	}
	data := UploadData{Table: res.Table, Uploaded: res.Uploaded, Conflicts: res.Conflicts, Deferred: res.Deferred}
	if err != nil {
		data.Error = err.Error()
	}
	d.emit(EventUpload, data)
}

func (d *Daemon) emit(t EventType, data any) {
	if d.sink != nil {
		d.sink(Event{Type: t, Timestamp: time.Now().UTC(), Data: data})
	}
}
