package xray

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConfigError indicates the controller supplied a config document the
// engine cannot be started with.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid xray config: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid xray config: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config is a validated engine configuration bound to the controller
// that submitted it. Schema-level validation is the engine's job; we
// only guard against documents it would refuse outright.
type Config struct {
	raw  []byte
	peer string
}

// NewConfig validates raw JSON config text and binds it to the peer
// identity of the submitting controller.
func NewConfig(raw string, peer string) (*Config, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ConfigError{Reason: "empty document"}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, &ConfigError{Reason: "not a JSON object", Err: err}
	}

	return &Config{raw: []byte(trimmed), peer: peer}, nil
}

// Peer returns the controller identity this config is bound to.
func (c *Config) Peer() string { return c.peer }

// JSON returns the config document as fed to the engine.
func (c *Config) JSON() []byte { return c.raw }
