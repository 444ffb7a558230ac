package partyhub

import (
	"context"
	"flag"
	"testing"
	"time"
)

type staticAuthorizer struct{}

func (staticAuthorizer) Authenticate(context.Context, string) (string, error) {
	return "user-1", nil
}

func TestWithAuthorizerOption(t *testing.T) {
	var opt options
	WithAuthorizer(staticAuthorizer{})(&opt)
	if opt.authorizer == nil {
		t.Fatal("authorizer option should populate the seam")
	}
	userID, err := opt.authorizer.Authenticate(context.Background(), "token")
	if err != nil || userID != "user-1" {
		t.Fatalf("unexpected authenticate result %q, %v", userID, err)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("partyhub", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected default http addr %q", cfg.HTTPAddr)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("unexpected default driver %q", cfg.DBDriver)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected default sweep interval %v", cfg.SweepInterval)
	}
}

func TestParseConfigEnvAndFlags(t *testing.T) {
	t.Setenv("PARTYHUB_DB_DRIVER", "postgres")
	t.Setenv("PARTYHUB_DB_DSN", "postgres://localhost/partyhub")

	fs := flag.NewFlagSet("partyhub", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", ":9090", "-lock-timeout", "5s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBDriver != "postgres" || cfg.DBDSN != "postgres://localhost/partyhub" {
		t.Fatalf("env overrides lost: %+v", cfg)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("flag override lost: %q", cfg.HTTPAddr)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Fatalf("duration flag lost: %v", cfg.LockTimeout)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), Config{DBDriver: "oracle"})
	if err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
