package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BLP_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BLP_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Protocol ──
	setUint64(&cfg.Protocol.ClosingFeeBps, "BLP_PROTOCOL_CLOSING_FEE_BPS")
	setUint64(&cfg.Protocol.LiquidationFeeBps, "BLP_PROTOCOL_LIQUIDATION_FEE_BPS")
	setUint64(&cfg.Protocol.LiquidationThresholdBps, "BLP_PROTOCOL_LIQUIDATION_THRESHOLD_BPS")
	setUint64(&cfg.Protocol.TreasuryCutBps, "BLP_PROTOCOL_TREASURY_CUT_BPS")
	setUint64(&cfg.Protocol.MaxFeeBps, "BLP_PROTOCOL_MAX_FEE_BPS")
	setInt64(&cfg.Protocol.MaxFundingRateBps, "BLP_PROTOCOL_MAX_FUNDING_RATE_BPS")

	// ── Pool ──
	setUint64(&cfg.Pool.DepositFeeBps, "BLP_POOL_DEPOSIT_FEE_BPS")
	setUint64(&cfg.Pool.WithdrawalFeeBps, "BLP_POOL_WITHDRAWAL_FEE_BPS")
	setUint64(&cfg.Pool.ReserveBps, "BLP_POOL_RESERVE_BPS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BLP_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "BLP_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BLP_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BLP_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BLP_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BLP_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BLP_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BLP_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BLP_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BLP_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BLP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BLP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BLP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BLP_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BLP_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BLP_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BLP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BLP_S3_REGION")
	setStr(&cfg.S3.Bucket, "BLP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BLP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BLP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BLP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BLP_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "BLP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BLP_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKeyHash, "BLP_SERVER_API_KEY_HASH")
	setInt(&cfg.Server.RateLimitPerMinute, "BLP_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Keeper ──
	setDuration(&cfg.Keeper.QueueInterval, "BLP_KEEPER_QUEUE_INTERVAL")
	setInt(&cfg.Keeper.QueueBatch, "BLP_KEEPER_QUEUE_BATCH")
	setDuration(&cfg.Keeper.ArchiveInterval, "BLP_KEEPER_ARCHIVE_INTERVAL")
	setInt(&cfg.Keeper.ArchiveRetentionDays, "BLP_KEEPER_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Keeper.LockTTL, "BLP_KEEPER_LOCK_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BLP_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BLP_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BLP_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BLP_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BLP_MODE")
	setStr(&cfg.LogLevel, "BLP_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
