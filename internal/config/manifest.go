package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sanitized returns a copy of the configuration safe to persist: the password
// is replaced by RedactedPassword.
func (c *Config) Sanitized() *Config {
	cp := *c
	cp.Server.Password = RedactedPassword
	return &cp
}

// ManifestJSON renders the sanitized configuration with sorted keys and a
// four-space indent.
func (c *Config) ManifestJSON() ([]byte, error) {
	raw, err := json.Marshal(c.Sanitized())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	// Round-trip through a map so every object level comes out key-sorted.
	var sorted map[string]any
	if err := json.Unmarshal(raw, &sorted); err != nil {
		return nil, fmt.Errorf("normalize config: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(sorted); err != nil {
		return nil, fmt.Errorf("marshal sorted config: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
