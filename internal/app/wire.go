package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/blpsettle/internal/blob/s3"
	memcache "github.com/alanyoungcy/blpsettle/internal/cache/memory"
	"github.com/alanyoungcy/blpsettle/internal/cache/redis"
	"github.com/alanyoungcy/blpsettle/internal/config"
	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/metrics"
	"github.com/alanyoungcy/blpsettle/internal/notify"
	"github.com/alanyoungcy/blpsettle/internal/server/handler"
	memstore "github.com/alanyoungcy/blpsettle/internal/store/memory"
	"github.com/alanyoungcy/blpsettle/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Persistence
	Store  domain.Store
	Ledger domain.Ledger

	// Coordination
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Cold storage; nil in dev mode.
	Archiver domain.Archiver

	// Observability
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// HealthChecks are probed by GET /api/health.
	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Dev mode wires in-memory
// implementations and touches no external service.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics:      metrics.New(),
		Notifier:     newNotifier(cfg.Notify, logger),
		HealthChecks: make(map[string]handler.HealthCheck),
	}

	if !cfg.UsesInfrastructure() {
		logger.WarnContext(ctx, "wire: dev mode, state is in memory and lost on exit")
		deps.Store = memstore.NewStore()
		deps.Ledger = memstore.NewLedger()
		deps.LockManager = memcache.NewLockManager()
		deps.SignalBus = memcache.NewSignalBus()
		deps.RateLimiter = memcache.NewRateLimiter(cfg.Server.RateLimitPerMinute)
		return deps, cleanup, nil
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, PostgresClientConfig(cfg.Postgres))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.Store = postgres.NewStore(pgClient.Pool())
	deps.Ledger = postgres.NewLedger(pgClient.Pool())
	deps.HealthChecks["postgres"] = func(ctx context.Context) error { return pgClient.Pool().Ping(ctx) }

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, 0)
	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Server.RateLimitPerMinute)
	deps.HealthChecks["redis"] = redisClient.Ping

	// --- S3 archive ---
	s3Client, err := s3blob.New(ctx, S3ClientConfig(cfg.S3))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: s3: %w", err)
	}
	deps.Archiver = s3blob.NewArchiver(
		s3blob.NewWriter(s3Client),
		s3blob.NewReader(s3Client),
		deps.Store.Settlements(),
		deps.Store.Audit(),
		logger.With(slog.String("component", "archiver")),
	)
	deps.HealthChecks["s3"] = s3Client.Health

	return deps, cleanup, nil
}

// PostgresClientConfig maps the config section onto the client settings.
// blpctl migrate shares it.
func PostgresClientConfig(c config.PostgresConfig) postgres.ClientConfig {
	return postgres.ClientConfig{
		DSN:      c.DSN,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		User:     c.User,
		Password: c.Password,
		SSLMode:  c.SSLMode,
		MaxConns: c.PoolMaxConns,
		MinConns: c.PoolMinConns,
	}
}

// S3ClientConfig maps the archive bucket settings onto the S3 client.
func S3ClientConfig(c config.S3Config) s3blob.ClientConfig {
	return s3blob.ClientConfig{
		Endpoint:       c.Endpoint,
		Region:         c.Region,
		Bucket:         c.Bucket,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		UseSSL:         c.UseSSL,
		ForcePathStyle: c.ForcePathStyle,
	}
}

// newNotifier builds a Notifier over every sender with credentials.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if strings.TrimSpace(cfg.DiscordWebhookURL) != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	if len(senders) == 0 {
		logger.Info("wire: no notification senders configured")
	}
	return notify.NewNotifier(senders, cfg.Events, logger)
}
