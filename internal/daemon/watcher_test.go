package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCredentialWatcher_DetectsWrites(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	keyFile := filepath.Join(dir, "key")
	for _, f := range []string{tokenFile, keyFile} {
		if err := os.WriteFile(f, []byte("initial"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	events := make(chan CredentialEvent, 16)
	w, err := NewCredentialWatcher(func(ev CredentialEvent) { events <- ev }, nil)
	if err != nil {
		t.Fatalf("NewCredentialWatcher() failed: %v", err)
	}
	if err := w.Watch(tokenFile, CredentialToken); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(keyFile, CredentialKey); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer func() { _ = w.Stop() }()

	if !w.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	if err := w.Watch(tokenFile, CredentialToken); err == nil {
		t.Error("Watch() after Start succeeded")
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tokenFile, []byte("rotated"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Kind != CredentialToken {
			t.Errorf("event kind = %s, want token", ev.Kind)
		}
		if filepath.Base(ev.Path) != "token" {
			t.Errorf("event path = %s", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for token write")
	}

	if err := w.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestCredentialKind_String(t *testing.T) {
	tests := []struct {
		kind CredentialKind
		want string
	}{
		{CredentialToken, "token"},
		{CredentialKey, "key"},
		{CredentialKind(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
