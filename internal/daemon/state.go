package daemon

import (
	"context"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// Sync states.
const (
	StateIdle        = "idle"
	StateFull        = "running_full"
	StateIncremental = "running_incremental"
)

// Kind selects which kind of sync TryEnter claims.
type Kind int

const (
	KindIncremental Kind = iota
	KindFull
)

func (k Kind) String() string {
	switch k {
	case KindIncremental:
		return "incremental"
	case KindFull:
		return "full"
	default:
		return "unknown"
	}
}

const (
	eventStartFull        = "start_full"
	eventStartIncremental = "start_incremental"
	eventFinish           = "finish"
)

// SyncState is the single mutual-exclusion point between full and
// incremental sync. At most one sync of either kind runs at a time.
type SyncState struct {
	mu      sync.Mutex
	machine *fsm.FSM
}

// NewSyncState returns an idle SyncState.
func NewSyncState(logger *slog.Logger) *SyncState {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncState{
		machine: fsm.NewFSM(StateIdle,
			fsm.Events{
				{Name: eventStartFull, Src: []string{StateIdle}, Dst: StateFull},
				{Name: eventStartIncremental, Src: []string{StateIdle}, Dst: StateIncremental},
				{Name: eventFinish, Src: []string{StateFull, StateIncremental}, Dst: StateIdle},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					logger.Debug("sync state changed", "from", e.Src, "to", e.Dst)
				},
			},
		),
	}
}

// TryEnter claims the state for kind. It never blocks; false means another
// sync is running.
func (s *SyncState) TryEnter(kind Kind) bool {
	event := eventStartIncremental
	if kind == KindFull {
		event = eventStartFull
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Event(context.Background(), event) == nil
}

// Leave returns the state to idle.
func (s *SyncState) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Can(eventFinish) {
		_ = s.machine.Event(context.Background(), eventFinish)
	}
}

// Current returns the current state name.
func (s *SyncState) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Busy reports whether any sync is running.
func (s *SyncState) Busy() bool {
	return s.Current() != StateIdle
}
