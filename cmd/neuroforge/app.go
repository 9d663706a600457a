package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/LukeLamb/neuroforge-sub000/internal/config"
	"github.com/LukeLamb/neuroforge-sub000/internal/logging"
	"github.com/LukeLamb/neuroforge-sub000/internal/outbox"
	"github.com/LukeLamb/neuroforge-sub000/internal/rate"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
	"github.com/LukeLamb/neuroforge-sub000/internal/store/postgres"
	"github.com/LukeLamb/neuroforge-sub000/internal/store/sqlite"
)

// env is the configuration and logger every subcommand starts from.
type env struct {
	cfg    config.Config
	logger *slog.Logger
}

func loadEnv() (env, error) {
	cfg, err := config.Load()
	if err != nil {
		return env{}, err
	}
	return env{cfg: cfg, logger: logging.New(cfg.Log.Level, cfg.Log.Format, "neuroforge")}, nil
}

// openStore picks the backend from the database setting. Both backends
// migrate on open.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.UsesPostgres() {
		st, err := postgres.Open(ctx, cfg.Database, int32(cfg.PGMaxConns))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	}
	st, err := sqlite.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return st, nil
}

// newLimiter shares counters through Redis when configured, degrading to
// in-process counters if Redis errors. Without Redis every instance
// counts alone.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (*rate.Limiter, func(), error) {
	policy := rate.DefaultPolicy(cfg.Register.Limit, cfg.Register.Window)
	if cfg.Redis.Addr == "" {
		logger.Warn("no redis configured, rate limits are per instance")
		return rate.New(rate.NewMemory(), policy, rate.WithLogger(logger)), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, starting degraded", "addr", cfg.Redis.Addr, "error", err)
	}
	limiter := rate.New(rate.NewRedisStore(client), policy,
		rate.WithFallback(rate.NewMemory()),
		rate.WithLogger(logger))
	return limiter, func() { _ = client.Close() }, nil
}

// newOutbox always logs events and also publishes to Kafka when brokers
// are configured.
func newOutbox(cfg config.Config, logger *slog.Logger) (*outbox.Outbox, func(), error) {
	sinks := []outbox.Sink{outbox.LogSink{Logger: logger}}
	closeSinks := func() {}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := outbox.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, k)
		closeSinks = func() {
			if err := k.Close(); err != nil {
				logger.Warn("close kafka writer", "error", err)
			}
		}
	}
	ob := outbox.New(cfg.Outbox.Buffer, logger, sinks...)
	ob.Start()
	return ob, func() {
		ob.Close()
		closeSinks()
	}, nil
}
