package dashboard

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/daemon"
	"github.com/replicasync/replica/internal/fullsync"
)

func startServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Port = 0
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, ctx context.Context, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", s.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(&Config{Port: 0})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !strings.HasPrefix(s.Addr(), "127.0.0.1:") {
		t.Errorf("Addr() = %q, want loopback", s.Addr())
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestServer_WelcomeAndBroadcast(t *testing.T) {
	s := startServer(t, nil)
	h := NewHandler(s, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conns := []*websocket.Conn{dial(t, ctx, s), dial(t, ctx, s)}
	for _, c := range conns {
		if msg := readMessage(t, ctx, c); msg.Type != MessageTypeStats {
			t.Errorf("welcome type = %s, want %s", msg.Type, MessageTypeStats)
		}
	}
	waitClients(t, s, 2)

	h.OnEvent(daemon.Event{
		Type:      daemon.EventCycle,
		Timestamp: time.Now(),
		Data:      daemon.CycleData{Uploaded: 2, Downloaded: 3, Conflicts: 1},
	})

	for _, c := range conns {
		msg := readMessage(t, ctx, c)
		if msg.Type != MessageTypeCycle {
			t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeCycle)
		}
		var data daemon.CycleData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Uploaded != 2 || data.Downloaded != 3 {
			t.Errorf("cycle data = %+v", data)
		}

		msg = readMessage(t, ctx, c)
		if msg.Type != MessageTypeStats {
			t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeStats)
		}
		var stats StatsData
		if err := json.Unmarshal(msg.Data, &stats); err != nil {
			t.Fatal(err)
		}
		if stats.Cycles != 1 || stats.Uploaded != 2 || stats.Conflicts != 1 {
			t.Errorf("stats = %+v", stats)
		}
	}
}

func TestHandler_Stats(t *testing.T) {
	s := NewServer(nil)
	h := NewHandler(s, nil)
	now := time.Now()

	events := []daemon.Event{
		{Type: daemon.EventFullSync, Timestamp: now, Data: daemon.FullSyncData{Table: "hosts", Conflicts: 2}},
		{Type: daemon.EventUpload, Timestamp: now, Data: daemon.UploadData{Table: "hosts", Uploaded: 4}},
		{Type: daemon.EventPaused, Timestamp: now, Data: daemon.PauseData{Reason: "401"}},
		{Type: daemon.EventCycle, Timestamp: now, Data: daemon.CycleData{Error: "boom"}},
		{Type: "unknown", Timestamp: now, Data: 42},
	}
	for _, ev := range events {
		h.OnEvent(ev)
	}

	got := h.Stats()
	if got.FullSyncs != 1 || got.Uploaded != 4 || got.Conflicts != 2 || got.Cycles != 1 {
		t.Errorf("Stats() = %+v", got)
	}
	if !got.Paused {
		t.Error("Paused = false after paused event")
	}
	if got.LastError != "boom" {
		t.Errorf("LastError = %q", got.LastError)
	}

	h.OnEvent(daemon.Event{Type: daemon.EventResumed, Timestamp: now, Data: daemon.PauseData{Reason: "token"}})
	if h.Stats().Paused {
		t.Error("Paused = true after resumed event")
	}
}

func TestHandler_Progress(t *testing.T) {
	s := startServer(t, nil)
	h := NewHandler(s, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, s)
	readMessage(t, ctx, conn)
	waitClients(t, s, 1)

	h.OnProgress(fullsync.Progress{
		Table:      "snippets",
		Phase:      fullsync.PhaseFailed,
		Mode:       fullsync.ModeReplace,
		Page:       2,
		TotalPages: 5,
		Err:        errors.New("network down"),
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeProgress {
		t.Fatalf("message type = %s", msg.Type)
	}
	var data ProgressData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	want := ProgressData{Table: "snippets", Phase: "failed", Mode: "replace", Page: 2, TotalPages: 5, Error: "network down"}
	if data != want {
		t.Errorf("progress = %+v, want %+v", data, want)
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "replica_up 1\n")
	})
	s := startServer(t, &Config{
		Status:  func() any { return map[string]string{"state": "idle"} },
		Metrics: metrics,
	})

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status  string            `json:"status"`
		Clients int               `json:"clients"`
		Daemon  map[string]string `json:"daemon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Daemon["state"] != "idle" {
		t.Errorf("health = %+v", body)
	}

	resp2, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp2.Body.Close()
	raw, _ := io.ReadAll(resp2.Body)
	if !strings.Contains(string(raw), "replica_up 1") {
		t.Errorf("metrics body = %q", raw)
	}

	resp3, err := http.Get("http://" + s.Addr() + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("GET /missing status = %d", resp3.StatusCode)
	}
}

func TestServer_StopDisconnectsClients(t *testing.T) {
	s := NewServer(&Config{Port: 0})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.CloseNow()
	waitClients(t, s, 1)

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("Read() after Stop error = %v, want going away", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if n := s.ClientCount(); n != 0 {
		t.Errorf("ClientCount() = %d after Stop", n)
	}

	// Broadcasting after Stop is a no-op.
	s.Broadcast(Message{Type: MessageTypeStats})
}
