// Package crypto seals sensitive record fields before upload and opens them
// after download.
//
// Key management lives outside the sync engine; it only needs a Gateway that
// can encrypt and decrypt byte slices. KeyGateway is a local implementation
// backed by a key file.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrGatewayUnavailable is returned when no ready gateway is configured.
// Sync must not start without one.
var ErrGatewayUnavailable = errors.New("encryption gateway not initialized")

// AlgXChaCha20Poly1305 names the cipher used by KeyGateway.
const AlgXChaCha20Poly1305 = "xchacha20-poly1305"

// Metadata describes how a ciphertext was produced.
type Metadata struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// Gateway encrypts and decrypts opaque payloads.
type Gateway interface {
	Ready() bool
	Encrypt(plaintext []byte) ([]byte, Metadata, error)
	Decrypt(ciphertext []byte, meta Metadata) ([]byte, error)
}

// KeyGateway encrypts with XChaCha20-Poly1305 under a single 32-byte key.
type KeyGateway struct {
	key   []byte
	keyID string
}

// NewKeyGateway returns a gateway for a 32-byte key.
func NewKeyGateway(key []byte) (*KeyGateway, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	sum := sha256.Sum256(key)
	return &KeyGateway{
		key:   append([]byte(nil), key...),
		keyID: hex.EncodeToString(sum[:4]),
	}, nil
}

// LoadKeyFile reads a hex or base64 encoded key and returns its gateway.
func LoadKeyFile(path string) (*KeyGateway, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if key, err := hex.DecodeString(text); err == nil && len(key) == chacha20poly1305.KeySize {
		return NewKeyGateway(key)
	}
	key, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("key file %s is neither hex nor base64", path)
	}
	return NewKeyGateway(key)
}

// GenerateKeyFile writes a new random hex key to path with 0600 permissions.
// An existing file is left untouched.
func GenerateKeyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists", path)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Ready reports whether the gateway holds a key.
func (g *KeyGateway) Ready() bool {
	return g != nil && len(g.key) == chacha20poly1305.KeySize
}

// KeyID identifies the key without revealing it.
func (g *KeyGateway) KeyID() string {
	return g.keyID
}

// Encrypt seals plaintext under a fresh random nonce.
func (g *KeyGateway) Encrypt(plaintext []byte) ([]byte, Metadata, error) {
	aead, err := chacha20poly1305.NewX(g.key)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(g.keyID))
	return ct, Metadata{
		Algorithm: AlgXChaCha20Poly1305,
		KeyID:     g.keyID,
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (g *KeyGateway) Decrypt(ciphertext []byte, meta Metadata) ([]byte, error) {
	if meta.Algorithm != AlgXChaCha20Poly1305 {
		return nil, fmt.Errorf("unsupported algorithm %q", meta.Algorithm)
	}
	if meta.KeyID != "" && meta.KeyID != g.keyID {
		return nil, fmt.Errorf("ciphertext sealed with key %s, have %s", meta.KeyID, g.keyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(meta.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(g.key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	pt, err := aead.Open(nil, nonce, ciphertext, []byte(g.keyID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return pt, nil
}
