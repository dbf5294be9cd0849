package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Uploaded("hosts", "INSERT", 3)
	m.Downloaded("hosts", "apply_server")
	m.Conflict("hosts", "upload")
	m.SetPending("hosts", 4)
	m.ObserveCycle(time.Second, OutcomeOK)
	m.SetAuthPaused(true)
	if m.Registry() != nil {
		t.Error("nil Metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Uploaded("hosts", "UPDATE", 2)
	m.Uploaded("hosts", "UPDATE", 0)
	m.Uploaded("hosts", "UPDATE", 1)
	m.Conflict("snippets", "download")
	m.SetPending("hosts", 7)
	m.SetAuthPaused(true)

	if got := testutil.ToFloat64(m.uploadedTotal.WithLabelValues("hosts", "UPDATE")); got != 3 {
		t.Errorf("uploaded = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.conflictsTotal.WithLabelValues("snippets", "download")); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pendingChanges.WithLabelValues("hosts")); got != 7 {
		t.Errorf("pending = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.authPaused); got != 1 {
		t.Errorf("auth paused = %v, want 1", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.SetLastSequenceID(42)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "replica_sync_last_sequence_id 42") {
		t.Errorf("metrics output missing cursor gauge:\n%s", body)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.DuplicatePage()
	if got := testutil.ToFloat64(b.duplicatePages); got != 0 {
		t.Errorf("second instance saw %v duplicate pages", got)
	}
}
