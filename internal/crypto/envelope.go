package crypto

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/catalog"
	"github.com/replicasync/replica/internal/model"
)

// EnvelopeField carries the sealed sensitive fields of an outgoing record.
const EnvelopeField = "encrypted_data"

// EnvelopeVersion tags the envelope string format.
const EnvelopeVersion = "v1"

// FormatEnvelope encodes ciphertext and metadata as "v1:<ct>:<meta>",
// both parts base64.
func FormatEnvelope(ciphertext []byte, meta Metadata) (string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope metadata: %w", err)
	}
	return strings.Join([]string{
		EnvelopeVersion,
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(metaJSON),
	}, ":"), nil
}

// ParseEnvelope decodes a string produced by FormatEnvelope.
func ParseEnvelope(s string) ([]byte, Metadata, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, Metadata{}, fmt.Errorf("malformed envelope: want 3 parts, got %d", len(parts))
	}
	if parts[0] != EnvelopeVersion {
		return nil, Metadata{}, fmt.Errorf("unsupported envelope version %q", parts[0])
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("malformed envelope ciphertext: %w", err)
	}
	metaJSON, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("malformed envelope metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, Metadata{}, fmt.Errorf("malformed envelope metadata: %w", err)
	}
	return ct, meta, nil
}

// Sealer moves sensitive fields in and out of the envelope field.
type Sealer struct {
	gw Gateway
}

// NewSealer returns ErrGatewayUnavailable unless gw is non-nil and ready.
func NewSealer(gw Gateway) (*Sealer, error) {
	if gw == nil || !gw.Ready() {
		return nil, ErrGatewayUnavailable
	}
	return &Sealer{gw: gw}, nil
}

// Seal returns a copy of rec whose sensitive fields are replaced by a single
// envelope. Records without sensitive values are returned unchanged.
func (s *Sealer) Seal(t *catalog.Table, rec model.Record) (model.Record, error) {
	out := rec.Clone()
	secret := make(map[string]any)
	for k, v := range rec {
		if t.IsSensitive(k) {
			secret[k] = v
			delete(out, k)
		}
	}
	if len(secret) == 0 {
		return out, nil
	}

	plaintext, err := json.Marshal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sensitive fields: %w", err)
	}
	ct, meta, err := s.gw.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal %s/%s: %w", t.Name, rec.UUID(), err)
	}
	env, err := FormatEnvelope(ct, meta)
	if err != nil {
		return nil, err
	}
	out[EnvelopeField] = env
	return out, nil
}

// Open reverses Seal: it decrypts the envelope, splices the sensitive fields
// back, drops the envelope and filters the result to the table's fields.
func (s *Sealer) Open(t *catalog.Table, rec model.Record) (model.Record, error) {
	out := rec.Clone()
	if raw, ok := out[EnvelopeField]; ok {
		delete(out, EnvelopeField)
		env, _ := raw.(string)
		if env != "" {
			ct, meta, err := ParseEnvelope(env)
			if err != nil {
				return nil, fmt.Errorf("failed to open %s/%s: %w", t.Name, rec.UUID(), err)
			}
			pt, err := s.gw.Decrypt(ct, meta)
			if err != nil {
				return nil, fmt.Errorf("failed to open %s/%s: %w", t.Name, rec.UUID(), err)
			}
			var secret map[string]any
			if err := json.Unmarshal(pt, &secret); err != nil {
				return nil, fmt.Errorf("failed to decode sensitive fields: %w", err)
			}
			for k, v := range secret {
				out[k] = v
			}
		}
	}
	return t.Filter(out), nil
}

// SensitiveFields lists the sensitive fields present in rec, sorted.
func SensitiveFields(t *catalog.Table, rec model.Record) []string {
	var names []string
	for k := range rec {
		if t.IsSensitive(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}
