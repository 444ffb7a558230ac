package cmd

import (
	"context"
	"flag"
	"testing"
)

type testConfig struct {
	Address string `env:"PARTYHUB_CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Driver  string `env:"PARTYHUB_CMD_TEST_DRIVER" envDefault:"sqlite"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("PARTYHUB_CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("PARTYHUB_CMD_TEST_DRIVER", "postgres")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := testConfig{}
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("load config defaults: %v", err)
	}
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "driver")

	if err := ParseArgs(fs, []string{"-address", "flag:9001"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Address != "flag:9001" {
		t.Fatalf("expected flag value for address, got %q", cfg.Address)
	}
	if cfg.Driver != "postgres" {
		t.Fatalf("expected env value for driver, got %q", cfg.Driver)
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, []string{}); err == nil {
		t.Fatal("expected parse args to reject nil parser")
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), "", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetry(context.Background(), ServicePartyhub, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}
