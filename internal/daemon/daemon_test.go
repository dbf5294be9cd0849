package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/crypto"
	"github.com/replicasync/replica/internal/fullsync"
	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/retry"
	"github.com/replicasync/replica/internal/store"
	syncengine "github.com/replicasync/replica/internal/sync"
	"github.com/replicasync/replica/internal/wire"
	"github.com/replicasync/replica/internal/wire/wiretest"
)

type testEnv struct {
	store  *store.Store
	server *wiretest.Server
	client *wire.Client
	engine *syncengine.Engine
	full   *fullsync.Manager
}

func fastRetry() *retry.Manager {
	return retry.New(retry.Config{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}, nil, nil)
}

func setupTestEnv(t *testing.T, auth wire.AuthProvider) *testEnv {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() failed: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "replica.db"), cat)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	srv := wiretest.NewServer("tok")
	t.Cleanup(srv.Close)

	client, err := wire.New(wire.Config{BaseURL: srv.URL, DeviceID: "device-1"}, auth, nil)
	if err != nil {
		t.Fatalf("wire.New() failed: %v", err)
	}
	gw, err := crypto.NewKeyGateway(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("NewKeyGateway() failed: %v", err)
	}
	eng, err := syncengine.New(st, client, gw, syncengine.DefaultConfig(), syncengine.WithRetry(fastRetry()))
	if err != nil {
		t.Fatalf("sync.New() failed: %v", err)
	}
	full := fullsync.New(eng, client, fullsync.DefaultConfig(), fullsync.WithRetry(fastRetry()))
	return &testEnv{store: st, server: srv, client: client, engine: eng, full: full}
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Poller.InitialInterval = time.Hour
	cfg.Poller.MaxInterval = time.Hour
	cfg.Debounce = 20 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemon_EndToEnd(t *testing.T) {
	env := setupTestEnv(t, wire.NewStaticToken("tok"))
	ctx := context.Background()
	for i := range 3 {
		env.server.Seed("snippets", model.Record{
			"uuid":       "remote-" + string(rune('a'+i)),
			"version":    int64(1),
			"title":      "from server",
			"created_at": "2024-01-01T00:00:00Z",
			"updated_at": "2024-01-01T00:00:00Z",
		})
	}

	log := &eventLog{}
	d, err := New(env.engine, env.full, env.client, quietConfig(), WithEvents(log.add))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = d.Stop()
		}
	}()

	if err := d.Start(ctx); err == nil {
		t.Error("second Start() succeeded")
	}

	// The initial full sync completes before Start returns.
	n, err := env.store.CountRecords(ctx, "snippets")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("local snippets after start = %d, want 3", n)
	}
	for _, name := range env.store.Catalog().Names() {
		md, err := env.store.GetSyncMetadata(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if md.SyncStatus != model.TableSynced {
			t.Errorf("%s status = %q, want synced", name, md.SyncStatus)
		}
	}
	if got := log.count(EventFullSync); got != len(env.store.Catalog().Names()) {
		t.Errorf("full sync events = %d, want one per table", got)
	}

	rec, err := env.store.Insert(ctx, "snippets", model.Record{"title": "written locally"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	waitFor(t, "local insert to reach the server", func() bool {
		_, ok := env.server.Record("snippets", rec.UUID())
		return ok
	})
	waitFor(t, "pending count to drain", func() bool {
		n, err := env.store.TotalPendingCount(ctx, "snippets")
		return err == nil && n == 0
	})

	st := d.Status()
	if st.Paused || st.AuthPaused {
		t.Errorf("Status() = %+v, want running", st)
	}

	if err := d.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
	stopped = true
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestDaemon_StartsOffline(t *testing.T) {
	env := setupTestEnv(t, wire.NewStaticToken("tok"))
	env.server.Close()

	d, err := New(env.engine, env.full, env.client, quietConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() with unreachable server failed: %v", err)
	}
	defer func() { _ = d.Stop() }()

	md, err := env.store.GetSyncMetadata(context.Background(), "hosts")
	if err != nil {
		t.Fatal(err)
	}
	if md.SyncStatus == model.TableSynced {
		t.Error("hosts marked synced while offline")
	}
	if d.Status().AuthPaused {
		t.Error("offline start paused for auth")
	}
}

func TestDaemon_ResumesOnTokenChange(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenFile, []byte("expired"), 0o600); err != nil {
		t.Fatal(err)
	}
	env := setupTestEnv(t, wire.NewFileToken(tokenFile))

	log := &eventLog{}
	cfg := quietConfig()
	cfg.TokenFile = tokenFile
	d, err := New(env.engine, env.full, env.client, cfg, WithEvents(log.add))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer func() { _ = d.Stop() }()

	if !d.Status().AuthPaused {
		t.Fatal("daemon not auth-paused after rejected token")
	}
	if log.count(EventPaused) == 0 {
		t.Error("no paused event")
	}

	if err := os.WriteFile(tokenFile, []byte("tok"), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(tokenFile, future, future); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "auth pause to clear", func() bool { return !d.Status().AuthPaused })
	waitFor(t, "a cycle with the new token", func() bool {
		last, err := d.Poller().LastCycle()
		return !last.IsZero() && err == nil
	})
	if log.count(EventResumed) == 0 {
		t.Error("no resumed event")
	}
}

func TestNew_RequiresEngine(t *testing.T) {
	if _, err := New(nil, nil, nil, DefaultConfig()); err == nil {
		t.Error("New(nil engine) succeeded")
	}
}
