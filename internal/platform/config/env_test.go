package config

import (
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Addr     string        `env:"WAYFARER_TEST_ADDR" envDefault:":8090"`
	Liveness time.Duration `env:"WAYFARER_TEST_LIVENESS" envDefault:"45s"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":8090" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, ":8090")
	}
	if cfg.Liveness != 45*time.Second {
		t.Fatalf("liveness = %v, want %v", cfg.Liveness, 45*time.Second)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("WAYFARER_TEST_LIVENESS", "soon")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseEnvMapOverridesDefaults(t *testing.T) {
	var cfg envTestConfig
	err := ParseEnvMap(&cfg, map[string]string{"WAYFARER_TEST_ADDR": "127.0.0.1:9000"})
	if err != nil {
		t.Fatalf("parse env map: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q, want %q", cfg.Addr, "127.0.0.1:9000")
	}
}

func TestRequireOneOf(t *testing.T) {
	names := []string{"WAYFARER_A", "WAYFARER_B"}
	if err := RequireOneOf(names, " ", ""); err == nil {
		t.Fatal("expected error for blank values")
	} else if !strings.Contains(err.Error(), "WAYFARER_A, WAYFARER_B") {
		t.Fatalf("error = %v, want names listed", err)
	}
	if err := RequireOneOf(names, "", "set"); err != nil {
		t.Fatalf("require one of: %v", err)
	}
}
