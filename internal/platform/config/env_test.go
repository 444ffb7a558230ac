package config

import (
	"testing"
	"time"
)

type testConfig struct {
	Addr     string        `env:"PARTYHUB_TEST_ADDR" envDefault:":8080"`
	Interval time.Duration `env:"PARTYHUB_TEST_INTERVAL" envDefault:"15s"`
	Limit    int           `env:"PARTYHUB_TEST_LIMIT" envDefault:"100"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.Interval != 15*time.Second {
		t.Fatalf("expected default interval, got %v", cfg.Interval)
	}
	if cfg.Limit != 100 {
		t.Fatalf("expected default limit, got %d", cfg.Limit)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("PARTYHUB_TEST_ADDR", ":9999")
	t.Setenv("PARTYHUB_TEST_INTERVAL", "1m")

	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("expected overridden addr, got %q", cfg.Addr)
	}
	if cfg.Interval != time.Minute {
		t.Fatalf("expected overridden interval, got %v", cfg.Interval)
	}
}

func TestParseEnvInvalidValue(t *testing.T) {
	t.Setenv("PARTYHUB_TEST_LIMIT", "not-a-number")

	var cfg testConfig
	if err := ParseEnv(&cfg); err == nil {
		t.Fatal("expected error for invalid int value")
	}
}
