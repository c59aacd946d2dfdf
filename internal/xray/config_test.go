package xray

import (
	"errors"
	"testing"
)

func TestNewConfigValid(t *testing.T) {
	cfg, err := NewConfig(`{"log": {"loglevel": "warning"}}`, "203.0.113.7")
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Peer() != "203.0.113.7" {
		t.Errorf("peer: got %q", cfg.Peer())
	}
	if len(cfg.JSON()) == 0 {
		t.Error("expected raw JSON to be retained")
	}
}

func TestNewConfigRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"not json", "inbounds: []"},
		{"json array", `[1,2,3]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(tc.raw, "peer")
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("expected ConfigError, got %T", err)
			}
		})
	}
}
