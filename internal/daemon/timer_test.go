package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replicasync/replica/internal/fullsync"
	"github.com/replicasync/replica/internal/wire"
)

type fakeFullSyncer struct {
	mu      sync.Mutex
	calls   int
	err     error
	during  func()
	started chan struct{}
	block   chan struct{}
}

func (f *fakeFullSyncer) SyncAll(ctx context.Context) ([]fullsync.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.during != nil {
		f.during()
	}
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	return []fullsync.Result{{Table: "hosts", Mode: fullsync.ModeReplace}}, f.err
}

func (f *fakeFullSyncer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestFullSyncTimer_HoldsPoller(t *testing.T) {
	state := NewSyncState(nil)
	p := NewPoller(&fakeCycler{}, state, testPollerConfig(), nil)

	var heldDuring, busyDuring bool
	fs := &fakeFullSyncer{}
	fs.during = func() {
		heldDuring = p.Paused()
		busyDuring = state.Current() == StateFull
	}
	timer := NewFullSyncTimer(fs, state, p, time.Hour, nil)

	out := timer.RunOnce(context.Background())
	if out.Skipped || out.Err != nil || len(out.Results) != 1 {
		t.Fatalf("RunOnce() = %+v", out)
	}
	if !heldDuring {
		t.Error("poller was not paused during full sync")
	}
	if !busyDuring {
		t.Error("state was not running_full during full sync")
	}
	if p.Paused() || state.Busy() {
		t.Error("poller or state still held after full sync")
	}
}

func TestFullSyncTimer_ConflictCheckSkips(t *testing.T) {
	fs := &fakeFullSyncer{}
	timer := NewFullSyncTimer(fs, NewSyncState(nil), nil, time.Hour, nil)
	timer.ConflictCheck = func() bool { return true }

	if out := timer.RunOnce(context.Background()); !out.Skipped {
		t.Errorf("RunOnce() = %+v, want skipped", out)
	}
	if fs.Calls() != 0 {
		t.Error("SyncAll called despite conflict check")
	}
}

func TestFullSyncTimer_ReentrantSkips(t *testing.T) {
	state := NewSyncState(nil)
	fs := &fakeFullSyncer{started: make(chan struct{}), block: make(chan struct{})}
	timer := NewFullSyncTimer(fs, state, nil, time.Hour, nil)

	done := make(chan TimerOutcome)
	go func() { done <- timer.RunOnce(context.Background()) }()
	<-fs.started

	start := time.Now()
	if out := timer.RunOnce(context.Background()); !out.Skipped {
		t.Errorf("second RunOnce() = %+v, want skipped", out)
	}
	if time.Since(start) > time.Second {
		t.Error("second RunOnce blocked")
	}

	close(fs.block)
	if out := <-done; out.Skipped {
		t.Error("first RunOnce was skipped")
	}
	if fs.Calls() != 1 {
		t.Errorf("SyncAll called %d times, want 1", fs.Calls())
	}
}

func TestFullSyncTimer_AuthFailurePausesPoller(t *testing.T) {
	state := NewSyncState(nil)
	p := NewPoller(&fakeCycler{}, state, testPollerConfig(), nil)
	fs := &fakeFullSyncer{err: &wire.Error{Op: "full sync start", Kind: wire.KindAuth, StatusCode: 401}}
	timer := NewFullSyncTimer(fs, state, p, time.Hour, nil)

	var seen []TimerOutcome
	timer.OnRun(func(o TimerOutcome) { seen = append(seen, o) })

	timer.RunOnce(context.Background())
	if !p.AuthPaused() {
		t.Error("poller not auth-paused after 401 during full sync")
	}
	if len(seen) != 1 || seen[0].Err == nil {
		t.Errorf("OnRun outcomes = %+v", seen)
	}
}
