// Package partyhub parses command configuration and composes the party
// engine: storage, lifecycle service, broadcast hub, expiration sweeper, and
// the WebSocket transport.
package partyhub

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/squadup/partyhub/internal/app/server"
	"github.com/squadup/partyhub/internal/broadcast"
	partyservice "github.com/squadup/partyhub/internal/party/service"
	"github.com/squadup/partyhub/internal/party/sweeper"
	entrypoint "github.com/squadup/partyhub/internal/platform/cmd"
	"github.com/squadup/partyhub/internal/storage"
	"github.com/squadup/partyhub/internal/storage/postgres"
	"github.com/squadup/partyhub/internal/storage/sqlite"
)

// Config holds partyhub command configuration.
type Config struct {
	HTTPAddr        string        `env:"PARTYHUB_HTTP_ADDR"         envDefault:":8080"`
	DBDriver        string        `env:"PARTYHUB_DB_DRIVER"         envDefault:"sqlite"`
	DBPath          string        `env:"PARTYHUB_DB_PATH"           envDefault:"data/partyhub.db"`
	DBDSN           string        `env:"PARTYHUB_DB_DSN"`
	SweepInterval   time.Duration `env:"PARTYHUB_SWEEP_INTERVAL"    envDefault:"30s"`
	SweepBatchLimit int           `env:"PARTYHUB_SWEEP_BATCH_LIMIT" envDefault:"100"`
	LockTimeout     time.Duration `env:"PARTYHUB_LOCK_TIMEOUT"      envDefault:"2s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "storage driver (sqlite or postgres)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "postgres connection string")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "expiration sweep interval")
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "per-party mutation lock timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Option customizes engine composition beyond what env and flags express.
type Option func(*options)

type options struct {
	authorizer server.Authorizer
}

// WithAuthorizer wires token authentication into the WebSocket upgrade.
// Embedding deployments supply their own token introspection here; without
// it the server trusts the user_id query parameter.
func WithAuthorizer(authorizer server.Authorizer) Option {
	return func(o *options) {
		o.authorizer = authorizer
	}
}

// Run composes the party engine and serves it until the context ends.
func Run(ctx context.Context, cfg Config, opts ...Option) error {
	var opt options
	for _, apply := range opts {
		apply(&opt)
	}
	if opt.authorizer == nil {
		log.Printf("partyhub: no authorizer configured, trusting the user_id query parameter; for local development only")
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePartyhub, func(ctx context.Context) error {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				log.Printf("close party store: %v", closeErr)
			}
		}()

		registry := prometheus.NewRegistry()
		hub := broadcast.NewHub(registry)
		svc := partyservice.New(partyservice.Deps{
			Parties:     store,
			Guard:       partyservice.NewMembershipGuard(store),
			Publisher:   hub,
			LockTimeout: cfg.LockTimeout,
		})

		sweep := sweeper.New(store, svc, registry, sweeper.Config{
			Interval:   cfg.SweepInterval,
			BatchLimit: cfg.SweepBatchLimit,
		})
		sweepCtx, stopSweep := context.WithCancel(ctx)
		sweepDone := make(chan struct{})
		go func() {
			defer close(sweepDone)
			if err := sweep.Run(sweepCtx); err != nil && sweepCtx.Err() == nil {
				log.Printf("party sweeper stopped: %v", err)
			}
		}()
		defer func() {
			stopSweep()
			<-sweepDone
		}()

		if err := server.Run(ctx, server.Config{HTTPAddr: cfg.HTTPAddr}, server.Deps{
			Service:    svc,
			Hub:        hub,
			Authorizer: opt.authorizer,
			Gatherer:   registry,
		}); err != nil {
			return fmt.Errorf("serve partyhub: %w", err)
		}
		return nil
	})
}

func openStore(ctx context.Context, cfg Config) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBDriver)) {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
}
