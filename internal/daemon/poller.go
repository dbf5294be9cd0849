package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/metrics"
	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
)

// Cycler runs one upload-then-download cycle. *sync.Engine implements it.
type Cycler interface {
	RunCycle(ctx context.Context) (syncengine.CycleResult, error)
}

var _ Cycler = (*syncengine.Engine)(nil)

// PollerConfig controls the adaptive polling interval.
type PollerConfig struct {
	InitialInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	// MaxBackoff caps the delay after consecutive failures.
	MaxBackoff time.Duration
	// ShrinkFactor multiplies the interval after a cycle that found changes.
	ShrinkFactor float64
	// GrowFactor multiplies the interval after a quiet cycle.
	GrowFactor float64
}

// DefaultPollerConfig returns the polling defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		InitialInterval: 30 * time.Second,
		MinInterval:     10 * time.Second,
		MaxInterval:     5 * time.Minute,
		MaxBackoff:      10 * time.Minute,
		ShrinkFactor:    0.5,
		GrowFactor:      1.5,
	}
}

func (c *PollerConfig) applyDefaults() {
	d := DefaultPollerConfig()
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = max(d.MaxInterval, c.MinInterval)
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	c.InitialInterval = clamp(c.InitialInterval, c.MinInterval, c.MaxInterval)
	if c.MaxBackoff < c.MaxInterval {
		c.MaxBackoff = max(d.MaxBackoff, c.MaxInterval)
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		c.ShrinkFactor = d.ShrinkFactor
	}
	if c.GrowFactor <= 1 {
		c.GrowFactor = d.GrowFactor
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}

// Outcome describes one polling attempt.
type Outcome struct {
	Skipped      bool
	ChangesFound bool
	Err          error
	Result       syncengine.CycleResult
	// NextInterval is the delay before the next attempt.
	NextInterval time.Duration
}

// Poller runs incremental cycles on an adaptive interval.
type Poller struct {
	cycler  Cycler
	state   *SyncState
	cfg     PollerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	onCycle func(Outcome)

	mu         sync.Mutex
	interval   time.Duration
	failures   int
	paused     bool
	authPaused bool
	holds      int
	lastCycle  time.Time
	lastErr    error

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a Poller. It does nothing until Start or RunOnce.
func NewPoller(c Cycler, state *SyncState, cfg PollerConfig, logger *slog.Logger) *Poller {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cycler:   c,
		state:    state,
		cfg:      cfg,
		logger:   logger,
		interval: cfg.InitialInterval,
		wake:     make(chan struct{}, 1),
	}
}

// SetMetrics records the interval and auth pause on m.
func (p *Poller) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
	m.SetPollInterval(p.Interval())
}

// OnCycle registers fn to be called after every attempt.
func (p *Poller) OnCycle(fn func(Outcome)) {
	p.onCycle = fn
}

// Interval returns the current base interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Paused reports whether cycles are currently suppressed for any reason.
func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused || p.authPaused || p.holds > 0
}

// AuthPaused reports whether polling stopped on an authentication failure.
func (p *Poller) AuthPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authPaused
}

// LastCycle returns when the last cycle ran and how it ended.
func (p *Poller) LastCycle() (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCycle, p.lastErr
}

// Pause suppresses cycles until Resume.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume clears a manual or authentication pause and polls right away.
func (p *Poller) Resume() {
	p.mu.Lock()
	wasAuth := p.authPaused
	p.paused = false
	p.authPaused = false
	p.mu.Unlock()
	if wasAuth {
		p.metrics.SetAuthPaused(false)
		p.logger.Info("polling resumed after credential change")
	}
	p.Trigger()
}

// Trigger asks a started poller to run a cycle now.
func (p *Poller) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// hold suppresses cycles while a full sync runs. Holds nest.
func (p *Poller) hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holds++
}

func (p *Poller) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holds > 0 {
		p.holds--
	}
}

// pauseForAuth stops polling until Resume.
func (p *Poller) pauseForAuth(err error) {
	p.mu.Lock()
	already := p.authPaused
	p.authPaused = true
	p.mu.Unlock()
	if !already {
		p.metrics.SetAuthPaused(true)
		p.logger.Warn("sync paused until credentials change", "error", err)
	}
}

// RunOnce runs a single cycle unless polling is paused or another sync
// holds the SyncState, in which case the outcome is Skipped.
func (p *Poller) RunOnce(ctx context.Context) Outcome {
	if p.Paused() {
		return p.finish(Outcome{Skipped: true, NextInterval: p.Interval()})
	}
	if !p.state.TryEnter(KindIncremental) {
		return p.finish(Outcome{Skipped: true, NextInterval: p.Interval()})
	}
	res, err := p.cycler.RunCycle(ctx)
	p.state.Leave()

	out := Outcome{Result: res, Err: err, ChangesFound: res.ChangesFound()}

	p.mu.Lock()
	p.lastCycle, p.lastErr = time.Now(), err
	switch {
	case err == nil:
		p.failures = 0
		if out.ChangesFound {
			p.interval = scale(p.interval, p.cfg.ShrinkFactor, p.cfg.MinInterval, p.cfg.MaxInterval)
		} else {
			p.interval = scale(p.interval, p.cfg.GrowFactor, p.cfg.MinInterval, p.cfg.MaxInterval)
		}
		out.NextInterval = p.interval
	case isAuthFailure(err):
		out.NextInterval = p.interval
	case wire.IsNetworkUnavailable(err) || ctx.Err() != nil:
		out.NextInterval = p.interval
	default:
		p.failures++
		out.NextInterval = p.backoff()
	}
	interval := p.interval
	p.mu.Unlock()

	if isAuthFailure(err) {
		p.pauseForAuth(err)
	} else if err != nil && !wire.IsNetworkUnavailable(err) && ctx.Err() == nil {
		p.logger.Warn("sync cycle failed", "error", err, "retry_in", out.NextInterval)
	}
	p.metrics.SetPollInterval(interval)
	return p.finish(out)
}

func (p *Poller) finish(out Outcome) Outcome {
	if p.onCycle != nil {
		p.onCycle(out)
	}
	return out
}

// backoff doubles the base interval per consecutive failure, capped at
// MaxBackoff. Callers hold p.mu.
func (p *Poller) backoff() time.Duration {
	d := p.interval
	for i := 0; i < p.failures && d < p.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, p.cfg.MaxBackoff)
}

func scale(d time.Duration, f float64, lo, hi time.Duration) time.Duration {
	return clamp(time.Duration(float64(d)*f), lo, hi)
}

func isAuthFailure(err error) bool {
	return errors.Is(err, syncengine.ErrAuthPaused) || wire.IsAuthError(err)
}

// Start runs cycles in the background until Stop or ctx is done.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		out := p.RunOnce(ctx)
		timer.Reset(out.NextInterval)
	}
}
