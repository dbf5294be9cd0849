package migrate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() failed: %v", err)
	}
	s, err := store.Open(filepath.Join(t.TempDir(), "replica.db"), cat)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snippets.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadJSONL(t *testing.T) {
	recs, err := ReadJSONL(strings.NewReader(`{"uuid":"a","title":"one"}

{"uuid":"b","title":"two","is_favorite":true}
null
`))
	if err != nil {
		t.Fatalf("ReadJSONL() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[1].UUID() != "b" || recs[1]["is_favorite"] != true {
		t.Errorf("second record = %v", recs[1])
	}
}

func TestReadJSONL_Invalid(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"uuid\":\"a\"}\n{broken\n"))
	if err == nil || !strings.Contains(err.Error(), "record 2") {
		t.Errorf("ReadJSONL() error = %v, want failure at record 2", err)
	}
}

func TestFromJSONL_MissingFile(t *testing.T) {
	if _, err := FromJSONL(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("FromJSONL() of missing file succeeded")
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	if _, err := s.Insert(ctx, "snippets", model.Record{model.FieldUUID: "existing", "title": "local"}); err != nil {
		t.Fatal(err)
	}

	path := writeJSONL(t,
		`{"uuid":"s1","title":"deploy","body":"make deploy","version":3}`,
		`{"uuid":"s2","title":"logs","unknown":"dropped"}`,
		`{"uuid":"s1","title":"duplicate in file"}`,
		`{"uuid":"existing","title":"already local"}`,
		`{"title":"no uuid"}`,
		`{"uuid":"s3","unknown":"nothing known"}`,
	)

	result, err := Import(ctx, s, Options{From: path, Table: "snippets", BatchSize: 2})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}

	tests := []struct {
		name      string
		got, want int
	}{
		{"read", result.Read, 6},
		{"imported", result.Imported, 2},
		{"skipped", result.Skipped, 2},
		{"invalid", result.Invalid, 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
	if len(result.Errors) != 2 {
		t.Errorf("errors = %v", result.Errors)
	}

	rec, err := s.GetRecord(ctx, "snippets", "s1")
	if err != nil {
		t.Fatalf("GetRecord(s1) failed: %v", err)
	}
	if rec["body"] != "make deploy" || rec.Version() != 3 {
		t.Errorf("s1 = %v", rec)
	}
	if rec, _ := s.GetRecord(ctx, "snippets", "existing"); rec["title"] != "local" {
		t.Errorf("existing record overwritten: %v", rec)
	}

	historical, err := s.HistoricalRecordCount(ctx, "snippets")
	if err != nil {
		t.Fatal(err)
	}
	if historical != 2 {
		t.Errorf("historical records = %d, want 2", historical)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	path := writeJSONL(t, `{"uuid":"s1","title":"deploy"}`)

	result, err := Import(ctx, s, Options{From: path, Table: "snippets", DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Read != 1 || result.Imported != 0 || result.BackupCreated != "" {
		t.Errorf("dry run result = %+v", result)
	}
	if n, _ := s.CountRecords(ctx, "snippets"); n != 0 {
		t.Errorf("dry run wrote %d rows", n)
	}
}

func TestImport_Backup(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	path := writeJSONL(t, `{"uuid":"s1","title":"deploy"}`)

	result, err := Import(ctx, s, Options{From: path, Table: "snippets", Backup: true})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.BackupCreated == "" {
		t.Fatal("no backup created")
	}
	if _, err := os.Stat(result.BackupCreated); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestImport_UnknownTable(t *testing.T) {
	s := setupTestStore(t)
	if _, err := Import(context.Background(), s, Options{From: "x.jsonl", Table: "nope"}); err == nil {
		t.Error("Import() into unknown table succeeded")
	}
}

func TestToJSONL(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	for _, title := range []string{"a", "b", "c"} {
		if _, err := s.Insert(ctx, "snippets", model.Record{"title": title}); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	n, err := ToJSONL(ctx, s, "snippets", &buf)
	if err != nil {
		t.Fatalf("ToJSONL() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("wrote %d records, want 3", n)
	}
	recs, err := ReadJSONL(&buf)
	if err != nil {
		t.Fatalf("exported JSONL unreadable: %v", err)
	}
	if len(recs) != 3 || recs[0].UUID() == "" {
		t.Errorf("exported records = %v", recs)
	}
}
