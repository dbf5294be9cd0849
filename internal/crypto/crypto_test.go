package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/model"
)

func testGateway(t *testing.T) *KeyGateway {
	t.Helper()
	gw, err := NewKeyGateway(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewKeyGateway() failed: %v", err)
	}
	return gw
}

func hostsTable(t *testing.T) *catalog.Table {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() failed: %v", err)
	}
	hosts, _ := c.Table("hosts")
	return hosts
}

func TestNewSealer_RequiresReadyGateway(t *testing.T) {
	var nilGateway *KeyGateway
	tests := []struct {
		name string
		gw   Gateway
	}{
		{"nil interface", nil},
		{"nil key gateway", nilGateway},
		{"empty key gateway", &KeyGateway{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSealer(tt.gw); !errors.Is(err, ErrGatewayUnavailable) {
				t.Errorf("NewSealer() error = %v, want ErrGatewayUnavailable", err)
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testGateway(t))
	if err != nil {
		t.Fatalf("NewSealer() failed: %v", err)
	}
	hosts := hostsTable(t)

	rec := model.Record{
		"uuid":        "h1",
		"hostname":    "db.internal",
		"password":    "hunter2",
		"private_key": "-----BEGIN KEY-----",
	}
	sealed, err := sealer.Seal(hosts, rec)
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}

	if _, ok := sealed["password"]; ok {
		t.Error("sealed record still carries password")
	}
	if _, ok := sealed["private_key"]; ok {
		t.Error("sealed record still carries private_key")
	}
	env, _ := sealed[EnvelopeField].(string)
	if !strings.HasPrefix(env, EnvelopeVersion+":") {
		t.Errorf("envelope = %q, want %s: prefix", env, EnvelopeVersion)
	}
	if strings.Contains(env, "hunter2") {
		t.Error("envelope leaks plaintext")
	}
	if rec["password"] != "hunter2" {
		t.Error("Seal() mutated its input")
	}

	// The server may add fields the client does not know about.
	sealed["server_only"] = "x"

	opened, err := sealer.Open(hosts, sealed)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if opened["password"] != "hunter2" || opened["private_key"] != "-----BEGIN KEY-----" {
		t.Errorf("Open() = %v", opened)
	}
	if _, ok := opened[EnvelopeField]; ok {
		t.Error("Open() kept the envelope field")
	}
	if _, ok := opened["server_only"]; ok {
		t.Error("Open() kept an unknown field")
	}
}

func TestSeal_NoSensitiveFields(t *testing.T) {
	sealer, _ := NewSealer(testGateway(t))
	hosts := hostsTable(t)

	sealed, err := sealer.Seal(hosts, model.Record{"uuid": "h1", "label": "x"})
	if err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	if _, ok := sealed[EnvelopeField]; ok {
		t.Error("Seal() added an envelope without sensitive fields")
	}
}

func TestOpen_TamperedEnvelope(t *testing.T) {
	sealer, _ := NewSealer(testGateway(t))
	hosts := hostsTable(t)

	sealed, _ := sealer.Seal(hosts, model.Record{"uuid": "h1", "password": "p"})
	env := sealed[EnvelopeField].(string)
	parts := strings.Split(env, ":")
	ct := []byte(parts[1])
	if ct[0] == 'A' {
		ct[0] = 'B'
	} else {
		ct[0] = 'A'
	}
	sealed[EnvelopeField] = parts[0] + ":" + string(ct) + ":" + parts[2]

	if _, err := sealer.Open(hosts, sealed); err == nil {
		t.Error("Open() accepted a tampered envelope")
	}
}

func TestOpen_WrongKey(t *testing.T) {
	hosts := hostsTable(t)
	a, _ := NewSealer(testGateway(t))
	other, _ := NewKeyGateway(bytes.Repeat([]byte{9}, 32))
	b, _ := NewSealer(other)

	sealed, _ := a.Seal(hosts, model.Record{"uuid": "h1", "password": "p"})
	if _, err := b.Open(hosts, sealed); err == nil {
		t.Error("Open() with another key should fail")
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	tests := []string{
		"",
		"v1:abc",
		"v2:YQ==:e30=",
		"v1:!!!:e30=",
		"v1:YQ==:!!!",
	}
	for _, in := range tests {
		if _, _, err := ParseEnvelope(in); err == nil {
			t.Errorf("ParseEnvelope(%q) should fail", in)
		}
	}
}

func TestKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "sync.key")
	if err := GenerateKeyFile(path); err != nil {
		t.Fatalf("GenerateKeyFile() failed: %v", err)
	}
	if err := GenerateKeyFile(path); err == nil {
		t.Error("GenerateKeyFile() overwrote an existing key")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	gw, err := LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile() failed: %v", err)
	}
	if !gw.Ready() || gw.KeyID() == "" {
		t.Error("loaded gateway not ready")
	}
}

func TestNewKeyGateway_BadLength(t *testing.T) {
	if _, err := NewKeyGateway([]byte("short")); err == nil {
		t.Error("NewKeyGateway() accepted a short key")
	}
}
