package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replicasync/replica/internal/fullsync"
)

// FullSyncer reconciles every table. *fullsync.Manager implements it.
type FullSyncer interface {
	SyncAll(ctx context.Context) ([]fullsync.Result, error)
}

var _ FullSyncer = (*fullsync.Manager)(nil)

// TimerOutcome describes one full-sync attempt.
type TimerOutcome struct {
	Skipped bool
	Results []fullsync.Result
	Err     error
}

// FullSyncTimer runs full syncs on a fixed cadence. While one runs the
// poller is held, so incremental cycles wait for it.
type FullSyncTimer struct {
	syncer   FullSyncer
	state    *SyncState
	poller   *Poller
	interval time.Duration
	logger   *slog.Logger
	onRun    func(TimerOutcome)

	// ConflictCheck, when set, is asked before each run; returning true
	// skips the run.
	ConflictCheck func() bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFullSyncTimer creates a timer. poller may be nil.
func NewFullSyncTimer(s FullSyncer, state *SyncState, poller *Poller, interval time.Duration, logger *slog.Logger) *FullSyncTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FullSyncTimer{
		syncer:   s,
		state:    state,
		poller:   poller,
		interval: interval,
		logger:   logger,
	}
}

// OnRun registers fn to be called after every attempt.
func (t *FullSyncTimer) OnRun(fn func(TimerOutcome)) {
	t.onRun = fn
}

// RunOnce runs a full sync now. It returns Skipped without blocking when
// the conflict check fires or another sync holds the SyncState.
func (t *FullSyncTimer) RunOnce(ctx context.Context) TimerOutcome {
	if t.ConflictCheck != nil && t.ConflictCheck() {
		t.logger.Debug("full sync skipped: incremental sync in flight")
		return t.finish(TimerOutcome{Skipped: true})
	}
	if !t.state.TryEnter(KindFull) {
		t.logger.Debug("full sync skipped: sync already running", "state", t.state.Current())
		return t.finish(TimerOutcome{Skipped: true})
	}
	defer t.state.Leave()

	if t.poller != nil {
		t.poller.hold()
		defer t.poller.release()
	}

	results, err := t.syncer.SyncAll(ctx)
	if isAuthFailure(err) && t.poller != nil {
		t.poller.pauseForAuth(err)
	}
	return t.finish(TimerOutcome{Results: results, Err: err})
}

func (t *FullSyncTimer) finish(out TimerOutcome) TimerOutcome {
	if t.onRun != nil {
		t.onRun(out)
	}
	return out
}

// Start runs a full sync every interval until Stop or ctx is done. The
// first run happens one interval after Start.
func (t *FullSyncTimer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if t.poller != nil && t.poller.AuthPaused() {
					continue
				}
				out := t.RunOnce(ctx)
				if out.Err != nil && ctx.Err() == nil {
					t.logger.Warn("scheduled full sync failed", "error", out.Err)
				}
			}
		}
	}()
}

// Stop cancels the schedule and waits for a running full sync to return.
func (t *FullSyncTimer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
