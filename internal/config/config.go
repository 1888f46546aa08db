// Package config provides configuration management for the credential pool.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/credential-pool/internal/types"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	Pool     PoolConfig
	Store    StoreConfig
	Database DatabaseConfig
	Upstream UpstreamConfig
	Cache    CacheConfig
	Events   EventsConfig
	Logging  LoggingConfig
}

// PoolConfig holds the health and refresh policy of the pool.
// DisableThreshold has no default and must be set.
type PoolConfig struct {
	DisableThreshold    int
	CountedFailureKinds []string
	RefreshMargin       time.Duration
	RefreshTimeout      time.Duration
	SweepInterval       time.Duration
	SnapshotInterval    time.Duration
}

// StoreConfig selects where the record set is persisted
type StoreConfig struct {
	Backend      string
	WriteThrough bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
	KeyPrefix      string
}

// UpstreamConfig holds token exchange and usage endpoints.
// URLs may contain a {region} placeholder.
type UpstreamConfig struct {
	Region           string
	SocialRefreshURL string
	IdCTokenURL      string
	UsageURL         string
	UsageRPS         int
	Timeout          time.Duration
	MaxRetries       int
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	BalanceTTL time.Duration
}

// EventsConfig holds pool event sink configuration
type EventsConfig struct {
	Sink      string // none, log, redis
	StreamKey string
	MaxLen    int64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Pool: PoolConfig{
			DisableThreshold:    getEnvAsInt("POOL_DISABLE_THRESHOLD", 0),
			CountedFailureKinds: getEnvAsList("POOL_COUNTED_FAILURE_KINDS", []string{string(types.FailureAuthRejected)}),
			RefreshMargin:       getEnvAsDuration("POOL_REFRESH_MARGIN", 60*time.Second),
			RefreshTimeout:      getEnvAsDuration("POOL_REFRESH_TIMEOUT", 30*time.Second),
			SweepInterval:       getEnvAsDuration("POOL_SWEEP_INTERVAL", 5*time.Minute),
			SnapshotInterval:    getEnvAsDuration("POOL_SNAPSHOT_INTERVAL", time.Minute),
		},
		Store: StoreConfig{
			Backend:      strings.ToLower(getEnv("STORE_BACKEND", StoreBackendPostgres)),
			WriteThrough: getEnvAsBool("STORE_WRITE_THROUGH", true),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "credential_pool"),
				User:           getEnv("POSTGRES_USER", "credpool"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
				KeyPrefix:      getEnv("REDIS_KEY_PREFIX", "credpool"),
			},
		},
		Upstream: UpstreamConfig{
			Region:           getEnv("UPSTREAM_REGION", "us-east-1"),
			SocialRefreshURL: getEnv("UPSTREAM_SOCIAL_REFRESH_URL", "https://prod.{region}.auth.desktop.kiro.dev/refreshToken"),
			IdCTokenURL:      getEnv("UPSTREAM_IDC_TOKEN_URL", "https://oidc.{region}.amazonaws.com/token"),
			UsageURL:         getEnv("UPSTREAM_USAGE_URL", "https://q.{region}.amazonaws.com/getUsageLimits"),
			UsageRPS:         getEnvAsInt("UPSTREAM_USAGE_RPS", 2),
			Timeout:          getEnvAsDuration("UPSTREAM_TIMEOUT", 15*time.Second),
			MaxRetries:       getEnvAsInt("UPSTREAM_MAX_RETRIES", 2),
		},
		Cache: CacheConfig{
			BalanceTTL: getEnvAsDuration("BALANCE_CACHE_TTL", 30*time.Second),
		},
		Events: EventsConfig{
			Sink:      strings.ToLower(getEnv("EVENTS_SINK", "log")),
			StreamKey: getEnv("EVENTS_STREAM_KEY", "credpool:events"),
			MaxLen:    int64(getEnvAsInt("EVENTS_STREAM_MAXLEN", 10000)),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the settings that have no safe default
func (c *Config) Validate() error {
	if c.Pool.DisableThreshold <= 0 {
		return fmt.Errorf("POOL_DISABLE_THRESHOLD must be set to a positive integer")
	}
	if _, err := c.Pool.CountedKinds(); err != nil {
		return err
	}
	if c.Pool.RefreshTimeout <= 0 {
		return fmt.Errorf("POOL_REFRESH_TIMEOUT must be positive")
	}

	switch c.Store.Backend {
	case StoreBackendPostgres, StoreBackendRedis:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Events.Sink {
	case "none", "log", "redis":
	default:
		return fmt.Errorf("unknown EVENTS_SINK %q", c.Events.Sink)
	}

	return nil
}

// CountedKinds parses the configured failure kinds. Auth rejection is always included.
func (p *PoolConfig) CountedKinds() ([]types.FailureKind, error) {
	kinds := []types.FailureKind{types.FailureAuthRejected}
	for _, name := range p.CountedFailureKinds {
		kind, ok := types.ParseFailureKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown failure kind %q in POOL_COUNTED_FAILURE_KINDS", name)
		}
		if kind != types.FailureAuthRejected {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// Addr returns the host:port of the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable with a default value
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
