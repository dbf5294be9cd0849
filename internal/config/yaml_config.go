package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// WriteDefault writes the default configuration to path as YAML. It
// refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}

	v := viper.New()
	setDefaults(v)
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := []byte("# replica configuration. Environment variables override these values,\n" +
		"# e.g. REPLICA_SERVER_URL for server.url.\n")
	if err := os.WriteFile(path, append(header, data...), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// YAML renders the effective settings with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		settings = Default().settings
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	if server, ok := out["server"].(map[string]any); ok {
		copied := make(map[string]any, len(server))
		for k, v := range server {
			copied[k] = v
		}
		if tok, _ := copied["token"].(string); tok != "" {
			copied["token"] = redacted
		}
		out["server"] = copied
	}
	return yaml.Marshal(out)
}
