package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/oarkflow/squealx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/pbac"
	"github.com/oarkflow/pbac/logger"
	"github.com/oarkflow/pbac/stores"
)

func main() {
	configPath := flag.String("config", "", "path to the server config file (yaml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pbac-server: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg LogConfig) logger.Logger {
	if cfg.Format == "slog" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = slog.LevelInfo
		}
		return logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}
	logger.SetLevel(cfg.Level)
	return logger.NewPhusluLogger()
}

// backend holds everything built from the storage and audit settings.
type backend struct {
	policies pbac.PolicyStore
	users    pbac.UserStore
	sink     pbac.AuditSink
	closers  []io.Closer
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func openBackend(ctx context.Context, cfg *Config) (*backend, error) {
	b := &backend{}
	var db *squealx.DB
	switch cfg.Storage.Driver {
	case "memory":
		b.policies = stores.NewMemoryPolicyStore()
		b.users = stores.NewMemoryUserStore()
	default:
		sqlDB, err := sql.Open(cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.Driver, err)
		}
		if cfg.Storage.Driver == "sqlite" {
			sqlDB.SetMaxOpenConns(1)
		}
		b.closers = append(b.closers, sqlDB)
		if err := sqlDB.PingContext(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping %s: %w", cfg.Storage.Driver, err)
		}
		db = squealx.NewDb(sqlDB, cfg.Storage.Driver, "pbac")
		if err := stores.Migrate(ctx, db); err != nil {
			b.Close()
			return nil, err
		}
		b.policies = stores.NewSQLPolicyStore(db)
		b.users = stores.NewSQLUserStore(db)
	}

	switch cfg.Audit.Sink {
	case "memory":
		b.sink = stores.NewMemoryAuditStore()
	case "sql":
		sink, err := stores.NewSQLAuditStore(db)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.sink = sink
	case "jsonl":
		sink, err := stores.NewJSONLAuditStore(cfg.Audit.Path)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open audit file: %w", err)
		}
		b.closers = append(b.closers, sink)
		b.sink = sink
	}
	return b, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func run(ctx context.Context, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []pbac.EngineOption{
		pbac.WithLogger(log),
		pbac.WithMetrics(pbac.NewMetrics(reg)),
		pbac.WithDecisionCache(cfg.Engine.CacheSize, cfg.Engine.CacheTTL),
		pbac.WithBatchWorkers(cfg.Engine.BatchWorkers),
	}
	if cfg.Redis.URL != "" {
		client, err := connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, pbac.WithUserDirectory(stores.NewRedisRoleDirectory(client, be.users)))
		log.Info("redis role directory enabled")
	}
	opts = append(opts, pbac.WithUserStore(be.users))

	var dist *pbac.PolicyBundleDistributor
	if cfg.Bundles.Path != "" {
		distOpts := []pbac.PolicyBundleDistributorOption{
			pbac.WithBundleLogger(log),
			pbac.WithBundleRotationInterval(cfg.Bundles.RotationInterval),
		}
		if cfg.Bundles.SigningKey != "" {
			priv, err := pbac.ParsePrivateKey(cfg.Bundles.SigningKey)
			if err != nil {
				return fmt.Errorf("bundles.signing_key: %w", err)
			}
			distOpts = append(distOpts, pbac.WithBundleSigningKey(priv))
		}
		dist, err = pbac.NewPolicyBundleDistributor(be.policies, distOpts...)
		if err != nil {
			return err
		}
		dist.RegisterSubscriber(pbac.FileBundleSubscriber{Path: cfg.Bundles.Path})
		opts = append(opts, pbac.WithBundleDistributor(dist))
	}

	engine, err := pbac.NewEngine(be.policies, pbac.NewRecorder(be.sink, pbac.WithRecorderLogger(log)), opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	if cfg.SeedFile != "" {
		seed, err := pbac.NewConfigLoader().LoadFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("load seed: %w", err)
		}
		report, err := engine.ApplyConfig(ctx, "system", seed)
		if err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		log.Info("seed applied", "file", cfg.SeedFile,
			"policies_created", report.PoliciesCreated, "policies_updated", report.PoliciesUpdated,
			"users_created", report.UsersCreated, "users_updated", report.UsersUpdated)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      pbac.NewAdminHTTPServer(engine, pbac.WithAdminLogger(log), pbac.WithMetricsGatherer(reg)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if dist != nil {
		dist.Start(gctx)
		// publish the seeded set once at startup
		if err := dist.Distribute(gctx); err != nil {
			log.Warn("initial bundle distribution failed", "error", err)
		}
	}
	g.Go(func() error {
		log.Info("pbac server listening", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "audit", cfg.Audit.Sink)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if dist != nil {
			if err := dist.Stop(shutdownCtx); err != nil {
				log.Warn("bundle distributor stop", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
