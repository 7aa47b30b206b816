// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BLP_* environment variables.
type Config struct {
	Protocol ProtocolConfig `toml:"protocol"`
	Pool     PoolConfig     `toml:"pool"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Keeper   KeeperConfig   `toml:"keeper"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ProtocolConfig holds the protocol-wide settlement defaults. Baskets may
// override the fee and threshold fields individually.
type ProtocolConfig struct {
	ClosingFeeBps           uint64 `toml:"closing_fee_bps"`
	LiquidationFeeBps       uint64 `toml:"liquidation_fee_bps"`
	LiquidationThresholdBps uint64 `toml:"liquidation_threshold_bps"`
	TreasuryCutBps          uint64 `toml:"treasury_cut_bps"`
	MaxFeeBps               uint64 `toml:"max_fee_bps"`
	MaxFundingRateBps       int64  `toml:"max_funding_rate_bps"`
}

// PoolConfig holds liquidity pool fees applied when the pool record is
// first created.
type PoolConfig struct {
	DepositFeeBps    uint64 `toml:"deposit_fee_bps"`
	WithdrawalFeeBps uint64 `toml:"withdrawal_fee_bps"`
	// ReserveBps is the share of open interest withheld from redemptions.
	ReserveBps uint64 `toml:"reserve_bps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. APIKeyHash is a bcrypt hash;
// an empty value disables authentication.
type ServerConfig struct {
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKeyHash         string   `toml:"api_key_hash"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// KeeperConfig controls the background loops.
type KeeperConfig struct {
	QueueInterval        duration `toml:"queue_interval"`
	QueueBatch           int      `toml:"queue_batch"`
	ArchiveInterval      duration `toml:"archive_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	LockTTL              duration `toml:"lock_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Protocol: ProtocolConfig{
			ClosingFeeBps:           10,
			LiquidationFeeBps:       50,
			LiquidationThresholdBps: 500,
			TreasuryCutBps:          3_000,
			MaxFeeBps:               500,
			MaxFundingRateBps:       fixedpoint.MaxFundingRateBps,
		},
		Pool: PoolConfig{
			DepositFeeBps:    10,
			WithdrawalFeeBps: 10,
			ReserveBps:       1_000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "blpsettle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "blpsettle-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 600,
		},
		Keeper: KeeperConfig{
			QueueInterval:        duration{15 * time.Second},
			QueueBatch:           50,
			ArchiveInterval:      duration{24 * time.Hour},
			ArchiveRetentionDays: 90,
			LockTTL:              duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"bad_debt", "liquidation", "queue_stalled"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
	"dev":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// UsesInfrastructure reports whether the mode needs Postgres, Redis and S3.
func (c *Config) UsesInfrastructure() bool {
	return strings.ToLower(c.Mode) != "dev"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full, dev)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Protocol
	p := c.Protocol
	if p.MaxFeeBps > fixedpoint.BPSDivisor {
		errs = append(errs, fmt.Sprintf("protocol: max_fee_bps must be <= %d, got %d", fixedpoint.BPSDivisor, p.MaxFeeBps))
	}
	if p.ClosingFeeBps > p.MaxFeeBps {
		errs = append(errs, fmt.Sprintf("protocol: closing_fee_bps %d exceeds max_fee_bps %d", p.ClosingFeeBps, p.MaxFeeBps))
	}
	if p.LiquidationFeeBps > p.MaxFeeBps {
		errs = append(errs, fmt.Sprintf("protocol: liquidation_fee_bps %d exceeds max_fee_bps %d", p.LiquidationFeeBps, p.MaxFeeBps))
	}
	if p.TreasuryCutBps > fixedpoint.BPSDivisor {
		errs = append(errs, fmt.Sprintf("protocol: treasury_cut_bps must be <= %d", fixedpoint.BPSDivisor))
	}
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > fixedpoint.BPSDivisor {
		errs = append(errs, fmt.Sprintf("protocol: liquidation_threshold_bps must be 1-%d", fixedpoint.BPSDivisor))
	}
	if p.MaxFundingRateBps <= 0 || p.MaxFundingRateBps > fixedpoint.MaxFundingRateBps {
		errs = append(errs, fmt.Sprintf("protocol: max_funding_rate_bps must be 1-%d", fixedpoint.MaxFundingRateBps))
	}

	// Pool
	if c.Pool.DepositFeeBps > p.MaxFeeBps {
		errs = append(errs, "pool: deposit_fee_bps exceeds protocol.max_fee_bps")
	}
	if c.Pool.DepositFeeBps >= fixedpoint.BPSDivisor {
		errs = append(errs, fmt.Sprintf("pool: deposit_fee_bps must be < %d", fixedpoint.BPSDivisor))
	}
	if c.Pool.WithdrawalFeeBps > p.MaxFeeBps {
		errs = append(errs, "pool: withdrawal_fee_bps exceeds protocol.max_fee_bps")
	}
	if c.Pool.ReserveBps > fixedpoint.BPSDivisor {
		errs = append(errs, fmt.Sprintf("pool: reserve_bps must be <= %d", fixedpoint.BPSDivisor))
	}

	if c.UsesInfrastructure() {
		// Postgres
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be 0-pool_max_conns")
		}

		// Redis
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}

		// S3
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.APIKeyHash != "" && !strings.HasPrefix(c.Server.APIKeyHash, "$2") {
		errs = append(errs, "server: api_key_hash must be a bcrypt hash (see blpctl hash-key)")
	}

	// Keeper
	if c.Keeper.QueueInterval.Duration <= 0 {
		errs = append(errs, "keeper: queue_interval must be > 0")
	}
	if c.Keeper.QueueBatch < 1 {
		errs = append(errs, "keeper: queue_batch must be >= 1")
	}
	if c.Keeper.ArchiveRetentionDays < 1 {
		errs = append(errs, "keeper: archive_retention_days must be >= 1")
	}
	if c.Keeper.LockTTL.Duration <= 0 {
		errs = append(errs, "keeper: lock_ttl must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
