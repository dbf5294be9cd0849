package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/replicasync/replica/internal/model"
	"github.com/replicasync/replica/internal/wire/wiretest"
)

// runCLI executes the root command with args and returns everything it
// printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, dbPath = "", ""
	jsonOutput, noColor, verbose = false, true, false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "REPLICA_") {
			key, _, _ := strings.Cut(env, "=")
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestCLI_InitImportSync(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	out, err := runCLI(t, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "generated encryption key") {
		t.Errorf("config init output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(".replica", "replica.yaml")); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	jsonl := `{"uuid":"s1","title":"deploy","body":"make deploy"}
{"uuid":"s2","title":"logs","body":"journalctl -f"}
`
	if err := os.WriteFile("snippets.jsonl", []byte(jsonl), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err = runCLI(t, "import", "--table", "snippets", "--from", "snippets.jsonl")
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "imported 2 rows into snippets") {
		t.Errorf("import output = %q", out)
	}

	srv := wiretest.NewServer("tok")
	defer srv.Close()
	srv.Seed("hosts", model.Record{"uuid": "h1", "version": int64(1), "label": "prod", "hostname": "10.0.0.1", "port": int64(22)})
	t.Setenv("REPLICA_SERVER_URL", srv.URL)
	t.Setenv("REPLICA_SERVER_TOKEN", "tok")
	t.Setenv("REPLICA_SYNC_INTER_PAGE_DELAY", "0s")

	out, err = runCLI(t, "sync")
	if err != nil {
		t.Fatalf("sync failed: %v\n%s", err, out)
	}
	if got := srv.Count("snippets"); got != 2 {
		t.Errorf("server holds %d snippets after sync, want 2", got)
	}

	out, err = runCLI(t, "status")
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	for _, want := range []string{"hosts", "snippets", "synced"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "changes", "list", "--status", "pending")
	if err != nil {
		t.Fatalf("changes list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No changes found.") {
		t.Errorf("pending changes after sync:\n%s", out)
	}

	out, err = runCLI(t, "conflicts", "list")
	if err != nil {
		t.Fatalf("conflicts list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "no open conflicts") {
		t.Errorf("conflicts output = %q", out)
	}
}

func TestCLI_SyncRequiresServer(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())
	if _, err := runCLI(t, "sync"); err == nil {
		t.Error("sync without server.url succeeded")
	}
}
