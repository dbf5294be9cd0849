package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/model"
)

// setupTestStore opens a fresh store with the default catalog.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() failed: %v", err)
	}
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), cat)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

type recordingNotifier struct {
	mu     sync.Mutex
	tables []string
}

func (n *recordingNotifier) Notify(table string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tables = append(n.tables, table)
}

func TestInitSchema_Tables(t *testing.T) {
	s := setupTestStore(t)

	tables := []string{"change_log", "sync_metadata", "sync_state", "sync_conflicts", "hosts", "host_groups", "snippets"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := s.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestInitSchema_AddsNewColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drift.db")

	v1, _ := catalog.Parse([]byte(`[[tables]]
name = "notes"
  [[tables.fields]]
  name = "body"`))
	s, err := Open(path, v1)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	_ = s.Close()

	v2, _ := catalog.Parse([]byte(`[[tables]]
name = "notes"
  [[tables.fields]]
  name = "body"
  [[tables.fields]]
  name = "pinned"
  type = "boolean"`))
	s, err = Open(path, v2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() with new column failed: %v", err)
	}

	rec, err := s.Insert(context.Background(), "notes", model.Record{"body": "x", "pinned": true})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if rec["pinned"] != true {
		t.Errorf("pinned = %v, want true", rec["pinned"])
	}
}

func TestLocalWritesCaptureChanges(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	n := &recordingNotifier{}
	s.SetNotifier(n)

	rec, err := s.Insert(ctx, "hosts", model.Record{"label": "web", "hostname": "10.0.0.1", "port": 22})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	id := rec.UUID()
	if id == "" {
		t.Fatal("Insert() did not assign a uuid")
	}
	if rec.Version() != 1 {
		t.Errorf("version = %d, want 1", rec.Version())
	}

	if _, err := s.Update(ctx, "hosts", id, model.Record{"label": "web-1", "version": 99}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := s.Delete(ctx, "hosts", id); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	entries, err := s.PendingChanges(ctx, "hosts", 0, 0)
	if err != nil {
		t.Fatalf("PendingChanges() failed: %v", err)
	}
	wantOps := []model.Operation{model.OpInsert, model.OpUpdate, model.OpDelete}
	if len(entries) != len(wantOps) {
		t.Fatalf("got %d entries, want %d", len(entries), len(wantOps))
	}
	for i, e := range entries {
		if e.Operation != wantOps[i] {
			t.Errorf("entry %d op = %s, want %s", i, e.Operation, wantOps[i])
		}
		if e.RecordUUID != id {
			t.Errorf("entry %d uuid = %s, want %s", i, e.RecordUUID, id)
		}
	}

	update := entries[1]
	if update.AfterData["label"] != "web-1" || update.BeforeData["label"] != "web" {
		t.Errorf("update snapshots = %v / %v", update.BeforeData, update.AfterData)
	}
	if update.AfterData.Version() != 1 {
		t.Errorf("local update changed version to %d", update.AfterData.Version())
	}
	if entries[2].AfterData != nil || entries[2].BeforeData["label"] != "web-1" {
		t.Errorf("delete snapshots = %v / %v", entries[2].BeforeData, entries[2].AfterData)
	}

	if len(n.tables) != 3 {
		t.Errorf("notifier called %d times, want 3", len(n.tables))
	}
}

func TestRemoteApplyGuard(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	s.SetRemoteApplyGuard(true)
	if _, err := s.Insert(ctx, "hosts", model.Record{"label": "guarded"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	appended, err := s.RecordChange(ctx, "hosts", "x", model.OpUpdate, model.Record{"uuid": "x"}, nil)
	if err != nil {
		t.Fatalf("RecordChange() failed: %v", err)
	}
	if appended {
		t.Error("RecordChange() appended while guard active")
	}
	s.SetRemoteApplyGuard(false)

	count, _ := s.TotalPendingCount(ctx, "")
	if count != 0 {
		t.Errorf("pending = %d with guard active, want 0", count)
	}

	appended, err = s.RecordChange(ctx, "hosts", "x", model.OpUpdate, model.Record{"uuid": "x"}, nil)
	if err != nil || !appended {
		t.Errorf("RecordChange() = %v, %v; want true, nil", appended, err)
	}
}

func TestApplyRemote_ScopedToContext(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.ApplyRemote(ctx, func(ctx context.Context) error {
		if !InRemoteApply(ctx) {
			t.Error("context from ApplyRemote does not carry the guard")
		}
		if s.RemoteApplyGuard() {
			t.Error("ApplyRemote set the store-wide guard")
		}
		if _, err := s.Insert(ctx, "hosts", model.Record{"label": "remote"}); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("ApplyRemote() error = %v, want boom", err)
	}
	if InRemoteApply(ctx) {
		t.Error("outer context carries the guard")
	}

	count, _ := s.TotalPendingCount(ctx, "")
	if count != 0 {
		t.Errorf("pending = %d after insert under ApplyRemote, want 0", count)
	}
}

func TestApplyRemote_ConcurrentLocalWriteCaptured(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	synced := model.Record{"uuid": "h1", "version": int64(1), "label": "prod", "hostname": "10.0.0.1"}
	if err := s.UpsertRemote(ctx, "hosts", synced); err != nil {
		t.Fatalf("UpsertRemote() failed: %v", err)
	}

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.ApplyRemote(ctx, func(ctx context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	if _, err := s.Update(ctx, "hosts", "h1", model.Record{"label": "edited"}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	pending, err := s.TotalPendingCount(ctx, "hosts")
	if err != nil {
		t.Fatalf("TotalPendingCount() failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want 1: local update during a remote apply must be captured", pending)
	}
}

func TestUpsertRemote_NotCapturedNotHistorical(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	server := model.Record{"uuid": "h1", "version": float64(5), "label": "srv", "port": float64(2222), "is_favorite": float64(0)}
	if err := s.UpsertRemote(ctx, "hosts", server); err != nil {
		t.Fatalf("UpsertRemote() failed: %v", err)
	}

	got, err := s.GetRecord(ctx, "hosts", "h1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got.Version() != 5 || got["port"] != int64(2222) || got["is_favorite"] != false {
		t.Errorf("GetRecord() = %v", got)
	}

	pending, _ := s.TotalPendingCount(ctx, "hosts")
	historical, _ := s.HistoricalRecordCount(ctx, "hosts")
	if pending != 0 || historical != 0 {
		t.Errorf("pending=%d historical=%d, want 0/0", pending, historical)
	}
}

func TestHistoricalRecordsAndBackfill(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Rows written before change capture existed.
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.conn.Exec(`INSERT INTO hosts (uuid, version, created_at, updated_at, label) VALUES (?, 1, ?, ?, ?)`,
			id, now(), now(), "legacy-"+id)
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	if _, err := s.Insert(ctx, "hosts", model.Record{"label": "tracked"}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	count, err := s.HistoricalRecordCount(ctx, "hosts")
	if err != nil {
		t.Fatalf("HistoricalRecordCount() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("HistoricalRecordCount() = %d, want 3", count)
	}

	recs, err := s.HistoricalRecords(ctx, "hosts", 2)
	if err != nil {
		t.Fatalf("HistoricalRecords() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("HistoricalRecords(limit 2) returned %d", len(recs))
	}

	if err := s.BackfillChangeLog(ctx, "hosts", recs); err != nil {
		t.Fatalf("BackfillChangeLog() failed: %v", err)
	}
	if count, _ := s.HistoricalRecordCount(ctx, "hosts"); count != 1 {
		t.Errorf("after backfill HistoricalRecordCount() = %d, want 1", count)
	}
	if pending, _ := s.TotalPendingCount(ctx, "hosts"); pending != 1 {
		t.Errorf("backfill changed pending count to %d", pending)
	}

	// Backfilling twice is a no-op.
	if err := s.BackfillChangeLog(ctx, "hosts", recs); err != nil {
		t.Fatalf("second BackfillChangeLog() failed: %v", err)
	}
	var entries int
	_ = s.conn.QueryRow(`SELECT COUNT(*) FROM change_log WHERE table_name = 'hosts'`).Scan(&entries)
	if entries != 3 {
		t.Errorf("change_log has %d entries, want 3", entries)
	}
}

func TestImportRecords(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	existing, err := s.Insert(ctx, "snippets", model.Record{"title": "tracked"})
	if err != nil {
		t.Fatal(err)
	}
	in := []model.Record{
		{"uuid": "imp-1", "title": "one"},
		{"uuid": "imp-2", "title": "two", "version": int64(5)},
		{"uuid": existing.UUID(), "title": "clobbered"},
	}

	n, err := s.ImportRecords(ctx, "snippets", in)
	if err != nil {
		t.Fatalf("ImportRecords() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ImportRecords() = %d, want 2", n)
	}
	if h, _ := s.HistoricalRecordCount(ctx, "snippets"); h != 2 {
		t.Errorf("HistoricalRecordCount() = %d, want 2", h)
	}
	if p, _ := s.TotalPendingCount(ctx, "snippets"); p != 1 {
		t.Errorf("import captured changes: pending = %d", p)
	}

	got, _ := s.GetRecord(ctx, "snippets", existing.UUID())
	if got["title"] != "tracked" {
		t.Errorf("existing row overwritten: %v", got)
	}
	got, _ = s.GetRecord(ctx, "snippets", "imp-2")
	if got.Version() != 5 {
		t.Errorf("imported version = %d, want 5", got.Version())
	}

	// Importing the same rows again is a no-op.
	if n, _ := s.ImportRecords(ctx, "snippets", in); n != 0 {
		t.Errorf("second ImportRecords() = %d, want 0", n)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		if _, err := s.Insert(ctx, "snippets", model.Record{"title": "t"}); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}
	entries, _ := s.PendingChanges(ctx, "snippets", 0, 0)
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	if err := s.MarkSynced(ctx, ids[:1]); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := s.MarkConflict(ctx, ids[1:2], "version mismatch"); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}
	if err := s.MarkRetry(ctx, ids[2:], "503"); err != nil {
		t.Fatalf("MarkRetry() failed: %v", err)
	}
	// synced entries never go back to failed.
	if err := s.MarkConflict(ctx, ids[:1], "late"); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	all, err := s.ListChanges(ctx, ChangeFilter{Table: "snippets"})
	if err != nil {
		t.Fatalf("ListChanges() failed: %v", err)
	}
	got := make(map[int64]model.ChangeLogEntry)
	for _, e := range all {
		got[e.ID] = e
	}

	tests := []struct {
		id       int64
		status   model.SyncStatus
		msg      string
		attempts int
		lastErr  string
	}{
		{ids[0], model.StatusSynced, "", 0, ""},
		{ids[1], model.StatusFailed, "version mismatch", 0, ""},
		{ids[2], model.StatusPending, "", 1, "503"},
	}
	for _, tt := range tests {
		e := got[tt.id]
		if e.SyncStatus != tt.status || e.ErrorMessage != tt.msg {
			t.Errorf("entry %d = %s %q, want %s %q", tt.id, e.SyncStatus, e.ErrorMessage, tt.status, tt.msg)
		}
		if e.Attempts != tt.attempts || e.LastError != tt.lastErr {
			t.Errorf("entry %d retries = %d %q, want %d %q", tt.id, e.Attempts, e.LastError, tt.attempts, tt.lastErr)
		}
	}
}

func TestMarkRetry_LeavesEntryUntouched(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec, err := s.Insert(ctx, "snippets", model.Record{"title": "t"})
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	before, _ := s.PendingChanges(ctx, "snippets", 0, 0)
	if len(before) != 1 {
		t.Fatalf("pending = %d, want 1", len(before))
	}
	id := before[0].ID

	for _, reason := range []string{"502", "503"} {
		if err := s.MarkRetry(ctx, []int64{id}, reason); err != nil {
			t.Fatalf("MarkRetry() failed: %v", err)
		}
	}

	var status string
	var errMsg sql.NullString
	if err := s.RawDB().QueryRowContext(ctx,
		`SELECT sync_status, error_message FROM change_log WHERE id = ?`, id).Scan(&status, &errMsg); err != nil {
		t.Fatal(err)
	}
	if status != "pending" || errMsg.Valid {
		t.Errorf("change_log row = %s %v, want pending with no error", status, errMsg)
	}

	after, _ := s.PendingChanges(ctx, "snippets", 0, 0)
	if after[0].Attempts != 2 || after[0].LastError != "503" {
		t.Errorf("retries = %d %q, want 2 \"503\"", after[0].Attempts, after[0].LastError)
	}

	if err := s.MarkSuperseded(ctx, "snippets", rec.UUID()); err != nil {
		t.Fatalf("MarkSuperseded() failed: %v", err)
	}
	var n int
	if err := s.RawDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM change_retries`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("change_retries rows = %d after supersede, want 0", n)
	}
}

func TestPendingPaginationAndGroups(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a, _ := s.Insert(ctx, "snippets", model.Record{"title": "a"})
	b, _ := s.Insert(ctx, "snippets", model.Record{"title": "b"})
	_, _ = s.Update(ctx, "snippets", a.UUID(), model.Record{"title": "a2"})
	_, _ = s.Update(ctx, "snippets", a.UUID(), model.Record{"title": "a3"})

	page, err := s.PendingChanges(ctx, "snippets", 2, 1)
	if err != nil {
		t.Fatalf("PendingChanges() failed: %v", err)
	}
	if len(page) != 2 || page[0].RecordUUID != b.UUID() || page[1].AfterData["title"] != "a2" {
		t.Errorf("PendingChanges(2, 1) = %v", page)
	}

	groups, err := s.PendingUUIDGroups(ctx, "snippets")
	if err != nil {
		t.Fatalf("PendingUUIDGroups() failed: %v", err)
	}
	if len(groups) != 2 || groups[0].UUID != a.UUID() || groups[0].Count != 3 || groups[1].Count != 1 {
		t.Errorf("PendingUUIDGroups() = %+v", groups)
	}

	pending, err := s.PendingUUIDs(ctx, "snippets", []string{a.UUID(), "missing"})
	if err != nil {
		t.Fatalf("PendingUUIDs() failed: %v", err)
	}
	if !pending[a.UUID()] || pending["missing"] {
		t.Errorf("PendingUUIDs() = %v", pending)
	}

	if err := s.MarkSuperseded(ctx, "snippets", a.UUID()); err != nil {
		t.Fatalf("MarkSuperseded() failed: %v", err)
	}
	if n, _ := s.TotalPendingCount(ctx, "snippets"); n != 1 {
		t.Errorf("pending after supersede = %d, want 1", n)
	}
}

func TestSetVersionMonotonic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec, _ := s.Insert(ctx, "host_groups", model.Record{"name": "g"})
	if err := s.SetVersion(ctx, "host_groups", rec.UUID(), 4); err != nil {
		t.Fatalf("SetVersion() failed: %v", err)
	}
	if err := s.SetVersion(ctx, "host_groups", rec.UUID(), 2); err != nil {
		t.Fatalf("SetVersion() failed: %v", err)
	}
	got, _ := s.GetRecord(ctx, "host_groups", rec.UUID())
	if got.Version() != 4 {
		t.Errorf("version = %d, want 4", got.Version())
	}
	if n, _ := s.TotalPendingCount(ctx, "host_groups"); n != 1 {
		t.Errorf("SetVersion was captured: pending = %d", n)
	}
}

func TestLastSequenceIDMonotonic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	steps := []struct {
		set  int64
		want int64
	}{
		{10, 10},
		{5, 10},
		{11, 11},
		{11, 11},
	}
	for _, st := range steps {
		if err := s.SetLastSequenceID(ctx, st.set); err != nil {
			t.Fatalf("SetLastSequenceID(%d) failed: %v", st.set, err)
		}
		got, err := s.LastSequenceID(ctx)
		if err != nil {
			t.Fatalf("LastSequenceID() failed: %v", err)
		}
		if got != st.want {
			t.Errorf("after set %d cursor = %d, want %d", st.set, got, st.want)
		}
	}
}

func TestDeviceIDStable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.DeviceID(ctx)
	if err != nil || first == "" {
		t.Fatalf("DeviceID() = %q, %v", first, err)
	}
	second, _ := s.DeviceID(ctx)
	if first != second {
		t.Errorf("DeviceID() changed: %s -> %s", first, second)
	}
}

func TestSyncMetadata(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	md, err := s.GetSyncMetadata(ctx, "hosts")
	if err != nil {
		t.Fatalf("GetSyncMetadata() failed: %v", err)
	}
	if md.SyncStatus != model.TableNeverSynced {
		t.Errorf("fresh status = %s, want never", md.SyncStatus)
	}

	md.SyncStatus = model.TableSynced
	md.LastSyncVersion = 7
	if err := s.UpdateSyncMetadata(ctx, md); err != nil {
		t.Fatalf("UpdateSyncMetadata() failed: %v", err)
	}
	md, _ = s.GetSyncMetadata(ctx, "hosts")
	if md.SyncStatus != model.TableSynced || md.LastSyncVersion != 7 {
		t.Errorf("GetSyncMetadata() = %+v", md)
	}
}

func TestConflicts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	id, err := s.RecordConflict(ctx, model.Conflict{
		TableName:  "snippets",
		RecordUUID: "s1",
		LocalData:  model.Record{"uuid": "s1", "body": "mine"},
		ServerData: model.Record{"uuid": "s1", "body": "theirs"},
		Reason:     "no rule for body",
	})
	if err != nil {
		t.Fatalf("RecordConflict() failed: %v", err)
	}

	open, _ := s.ListConflicts(ctx, true)
	if len(open) != 1 || open[0].LocalData["body"] != "mine" {
		t.Fatalf("ListConflicts() = %+v", open)
	}

	if err := s.ResolveConflict(ctx, id, model.ResolutionKeepLocal); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if err := s.ResolveConflict(ctx, id, model.ResolutionKeepLocal); !IsNotFound(err) {
		t.Errorf("second ResolveConflict() error = %v, want not found", err)
	}

	open, _ = s.ListConflicts(ctx, true)
	if len(open) != 0 {
		t.Errorf("open conflicts = %d after resolve", len(open))
	}
	c, err := s.GetConflict(ctx, id)
	if err != nil || c.ResolvedAt == nil || c.Resolution != model.ResolutionKeepLocal {
		t.Errorf("GetConflict() = %+v, %v", c, err)
	}
}

func TestUnknownTable(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.Insert(context.Background(), "nope", model.Record{}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Insert(nope) error = %v, want ErrUnknownTable", err)
	}
}
