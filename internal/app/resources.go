package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abgdnv/kidscart/internal/backend"
	"github.com/abgdnv/kidscart/internal/config"
	pkgconfig "github.com/abgdnv/kidscart/pkg/config"
	"github.com/abgdnv/kidscart/pkg/messaging"
	natsclient "github.com/abgdnv/kidscart/pkg/nats"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
)

// Resources holds the connections opened for the configured backend and the order publisher.
type Resources struct {
	Backend   backend.Backend
	Publisher messaging.Publisher
	closers   []func()
}

// Close releases the resources in reverse order of acquisition.
func (r *Resources) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Resources) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Connect opens the cart backend selected by cfg.Backend.Kind, wraps remote backends in a
// circuit breaker and sets up the order publisher. On error everything opened so far is closed.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (res *Resources, err error) {
	res = &Resources{Publisher: messaging.NopPublisher{}}
	defer func() {
		if err != nil {
			res.Close()
			res = nil
		}
	}()

	var js jetstream.JetStream
	if cfg.Backend.Kind == config.BackendNATS || cfg.Checkout.Publish.Enabled {
		nc, err := natsclient.NewClient(cfg.Backend.NATS.Url, cfg.Backend.NATS.Timeout)
		if err != nil {
			return nil, err
		}
		res.onClose(nc.Close)
		if js, err = natsclient.NewJetStreamContext(nc); err != nil {
			return nil, err
		}
		logger.Info("Connected to NATS", "url", cfg.Backend.NATS.Url)
	}

	var b backend.Backend
	switch cfg.Backend.Kind {
	case config.BackendMemory:
		logger.Warn("Using the in-memory cart backend, carts are lost on restart")
		b = backend.NewMemoryHub().Connect()
	case config.BackendRedis:
		client, err := newRedisClient(ctx, cfg.Backend.Redis)
		if err != nil {
			return nil, err
		}
		res.onClose(func() { _ = client.Close() })
		b = backend.NewRedis(client, cfg.Backend.Redis.Channel, logger)
	case config.BackendPostgres:
		if cfg.Backend.Database.Migrate {
			if err := backend.Migrate(cfg.Backend.Database.URL); err != nil {
				return nil, err
			}
			logger.Info("Database migrations applied")
		}
		pool, err := newDbPool(ctx, cfg.Backend.Database)
		if err != nil {
			return nil, err
		}
		res.onClose(pool.Close)
		b = backend.NewPostgres(pool, logger)
	case config.BackendNATS:
		kvCtx, cancel := context.WithTimeout(ctx, cfg.Backend.NATS.Timeout)
		defer cancel()
		kv, err := backend.NewNatsKV(kvCtx, js, cfg.Backend.NATS.Bucket, logger)
		if err != nil {
			return nil, err
		}
		b = kv
	default:
		return nil, fmt.Errorf("unsupported backend kind: %q", cfg.Backend.Kind)
	}
	if cfg.Backend.Kind != config.BackendMemory {
		b = backend.WithBreaker(b, cfg.Backend.Kind, cfg.Resilience.CircuitBreaker)
	}
	res.Backend = b
	res.onClose(func() {
		if err := b.Close(); err != nil {
			logger.Error("Failed to close cart backend", "error", err)
		}
	})
	logger.Info("Cart backend ready", "kind", cfg.Backend.Kind)

	if cfg.Checkout.Publish.Enabled {
		streamCtx, cancel := context.WithTimeout(ctx, cfg.Backend.NATS.Timeout)
		defer cancel()
		if err := natsclient.EnsureStream(streamCtx, js, cfg.Checkout.Publish.Stream, cfg.Checkout.Publish.Subject); err != nil {
			return nil, err
		}
		res.Publisher = natsclient.NewPublisher(js)
		logger.Info("Order events enabled", "stream", cfg.Checkout.Publish.Stream, "subject", cfg.Checkout.Publish.Subject)
	}
	return res, nil
}

func newRedisClient(ctx context.Context, cfg pkgconfig.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// newDbPool creates a connection pool and pings the database to fail early.
func newDbPool(ctx context.Context, cfg pkgconfig.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	dbPool, err := pgxpool.New(poolCtx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}
	if err := dbPool.Ping(poolCtx); err != nil {
		dbPool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return dbPool, nil
}
