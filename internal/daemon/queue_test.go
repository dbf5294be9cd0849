package daemon

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
)

type fakeUploader struct {
	mu     sync.Mutex
	tables []string
	err    error
}

func (f *fakeUploader) IncrementalSyncSmart(_ context.Context, table string) (syncengine.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = append(f.tables, table)
	return syncengine.UploadResult{Table: table, Uploaded: 1}, f.err
}

func (f *fakeUploader) Tables() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.tables)
}

func TestTriggerQueue_Debounce(t *testing.T) {
	u := &fakeUploader{}
	q := NewTriggerQueue(u, NewSyncState(nil), nil, 50*time.Millisecond, nil)

	for range 5 {
		q.Notify("hosts")
	}
	q.Notify("snippets")

	if got := q.Drain(context.Background()); len(got) != 0 {
		t.Errorf("Drain() inside debounce window uploaded %v", got)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}

	time.Sleep(60 * time.Millisecond)
	got := q.Drain(context.Background())
	slices.Sort(got)
	if !slices.Equal(got, []string{"hosts", "snippets"}) {
		t.Errorf("Drain() = %v, want [hosts snippets]", got)
	}
	if n := len(u.Tables()); n != 2 {
		t.Errorf("uploads = %d, want one per table", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after drain", q.Len())
	}
}

func TestTriggerQueue_BusyKeepsQueued(t *testing.T) {
	state := NewSyncState(nil)
	u := &fakeUploader{}
	q := NewTriggerQueue(u, state, nil, time.Millisecond, nil)

	q.Notify("hosts")
	time.Sleep(5 * time.Millisecond)

	state.TryEnter(KindFull)
	if got := q.Drain(context.Background()); len(got) != 0 {
		t.Errorf("Drain() during full sync uploaded %v", got)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want table kept queued", q.Len())
	}
	state.Leave()

	if got := q.Drain(context.Background()); !slices.Equal(got, []string{"hosts"}) {
		t.Errorf("Drain() after full sync = %v", got)
	}
}

func TestTriggerQueue_AuthFailureRequeues(t *testing.T) {
	state := NewSyncState(nil)
	p := NewPoller(&fakeCycler{}, state, testPollerConfig(), nil)
	u := &fakeUploader{err: &wire.Error{Op: "incremental sync", Kind: wire.KindAuth, StatusCode: 401}}
	q := NewTriggerQueue(u, state, p, time.Millisecond, nil)

	q.Notify("hosts")
	time.Sleep(5 * time.Millisecond)
	q.Drain(context.Background())

	if !p.AuthPaused() {
		t.Error("poller not auth-paused")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want table requeued", q.Len())
	}

	time.Sleep(5 * time.Millisecond)
	if got := q.Drain(context.Background()); len(got) != 0 {
		t.Errorf("Drain() while auth-paused uploaded %v", got)
	}
}

func TestTriggerQueue_StartUploads(t *testing.T) {
	u := &fakeUploader{}
	uploaded := make(chan string, 4)
	q := NewTriggerQueue(u, NewSyncState(nil), nil, 20*time.Millisecond, nil)
	q.OnUpload(func(res syncengine.UploadResult, _ error) { uploaded <- res.Table })

	q.Start(context.Background())
	defer q.Stop()
	q.Notify("groups")

	select {
	case table := <-uploaded:
		if table != "groups" {
			t.Errorf("uploaded %q, want groups", table)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued table never uploaded")
	}
}
