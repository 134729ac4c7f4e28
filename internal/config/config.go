package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/queuemanager/broker/internal/logger"
)

// CacheStrategy selects the hybrid cache's consistency discipline (spec §4.2).
type CacheStrategy string

const (
	CacheStrategyWriteThrough CacheStrategy = "write-through"
	CacheStrategyWriteBack    CacheStrategy = "write-back"
)

// RedisConfig configures the storage adapter's connection to Redis (spec §6).
type RedisConfig struct {
	Host                 string
	Port                 int
	Password             string
	DB                   int
	ConnectTimeout        time.Duration
	CommandTimeout        time.Duration
	MaxRetriesPerRequest  int
	LazyConnect           bool
	EnableOfflineQueue    bool
	Family                int
	KeepAlive             time.Duration
}

// Addr returns the host:port dial address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CacheConfig configures the hybrid cache (spec §4.2/§6).
type CacheConfig struct {
	Enabled      bool
	Strategy     CacheStrategy
	MaxSize      int
	TTL          time.Duration
	SyncInterval time.Duration
}

// RateLimitEventsConfig bounds the event bus's own emission rate, distinct
// from the per-queue job rate limiter in internal/ratelimit.
type RateLimitEventsConfig struct {
	MaxEventsPerSecond int
	WindowSizeMs       int64
}

// EventsConfig configures the event bus and hook pipeline (spec §4.3/§6).
type EventsConfig struct {
	MaxListeners        int
	EnableAuditLog       bool
	EnableMetrics        bool
	EnableRateLimiting   bool
	RateLimit            RateLimitEventsConfig
}

// MaintenanceConfig governs the background housekeeping loop: audit log
// retention cleanup and stale rate-limit counter eviction (spec §4.5/§4.6).
// CleanupCron is parsed as a five-field minute/hour/dom/month/dow cron
// expression, so the maintenance tick only does work once its cadence is
// due rather than on every 1-minute tick.
type MaintenanceConfig struct {
	CleanupCron       string
	AuditRetention    time.Duration
	RateLimitStaleAge time.Duration
}

func loadMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		CleanupCron:       getEnv("QM_MAINTENANCE_CRON", "0 * * * *"),
		AuditRetention:    getEnvAsDuration("QM_MAINTENANCE_AUDIT_RETENTION", 30*24*time.Hour),
		RateLimitStaleAge: getEnvAsDuration("QM_MAINTENANCE_RATE_LIMIT_STALE_AGE", 24*time.Hour),
	}
}

// BrokerConfig is the complete configuration surface for a queue manager
// broker instance.
type BrokerConfig struct {
	Redis   RedisConfig
	Cache   CacheConfig
	Events  EventsConfig
	Batch       BatchConfig
	Logging     *logger.Config
	Maintenance MaintenanceConfig

	// InitTimeout bounds waitForConnection during broker startup (spec §4.6).
	InitTimeout time.Duration
	// ShutdownTimeout bounds close() (spec §4.6).
	ShutdownTimeout time.Duration
}

// Load builds a BrokerConfig from environment variables with sensible
// defaults, mirroring the env-driven getEnv* pattern used throughout.
func Load() (*BrokerConfig, error) {
	cfg := &BrokerConfig{
		Redis: RedisConfig{
			Host:                 getEnv("QM_REDIS_HOST", "localhost"),
			Port:                 getEnvAsInt("QM_REDIS_PORT", 6379),
			Password:             getEnv("QM_REDIS_PASSWORD", ""),
			DB:                   getEnvAsInt("QM_REDIS_DB", 0),
			ConnectTimeout:       getEnvAsDuration("QM_REDIS_CONNECT_TIMEOUT", 5*time.Second),
			CommandTimeout:       getEnvAsDuration("QM_REDIS_COMMAND_TIMEOUT", 3*time.Second),
			MaxRetriesPerRequest: getEnvAsInt("QM_REDIS_MAX_RETRIES", 3),
			LazyConnect:          getEnvAsBool("QM_REDIS_LAZY_CONNECT", true),
			EnableOfflineQueue:   getEnvAsBool("QM_REDIS_OFFLINE_QUEUE", true),
			Family:               getEnvAsInt("QM_REDIS_FAMILY", 4),
			KeepAlive:            getEnvAsDuration("QM_REDIS_KEEPALIVE", 30*time.Second),
		},
		Cache: CacheConfig{
			Enabled:      getEnvAsBool("QM_CACHE_ENABLED", true),
			Strategy:     CacheStrategy(getEnv("QM_CACHE_STRATEGY", string(CacheStrategyWriteThrough))),
			MaxSize:      getEnvAsInt("QM_CACHE_MAX_SIZE", 1000),
			TTL:          getEnvAsDuration("QM_CACHE_TTL", 5*time.Minute),
			SyncInterval: getEnvAsDuration("QM_CACHE_SYNC_INTERVAL", 1*time.Second),
		},
		Events: EventsConfig{
			MaxListeners:       getEnvAsInt("QM_EVENTS_MAX_LISTENERS", 100),
			EnableAuditLog:     getEnvAsBool("QM_EVENTS_ENABLE_AUDIT", true),
			EnableMetrics:      getEnvAsBool("QM_EVENTS_ENABLE_METRICS", true),
			EnableRateLimiting: getEnvAsBool("QM_EVENTS_ENABLE_RATE_LIMIT", true),
			RateLimit: RateLimitEventsConfig{
				MaxEventsPerSecond: getEnvAsInt("QM_EVENTS_MAX_PER_SECOND", 1000),
				WindowSizeMs:       int64(getEnvAsInt("QM_EVENTS_WINDOW_MS", 1000)),
			},
		},
		Batch:           loadBatchConfig(),
		Logging:         loadLoggingConfig(),
		Maintenance:     loadMaintenanceConfig(),
		InitTimeout:     getEnvAsDuration("QM_INIT_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvAsDuration("QM_SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the composed configuration for internal consistency.
func (c *BrokerConfig) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host cannot be empty")
	}
	if c.Redis.Port <= 0 {
		return fmt.Errorf("redis port must be positive")
	}

	switch c.Cache.Strategy {
	case CacheStrategyWriteThrough, CacheStrategyWriteBack:
	default:
		return fmt.Errorf("invalid cache strategy: %s", c.Cache.Strategy)
	}
	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max size must be > 0 when caching is enabled")
	}

	if c.Events.MaxListeners <= 0 {
		return fmt.Errorf("events max listeners must be > 0")
	}
	if c.Events.EnableRateLimiting && c.Events.RateLimit.MaxEventsPerSecond <= 0 {
		return fmt.Errorf("events rate limit requires maxEventsPerSecond > 0")
	}

	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if c.Maintenance.CleanupCron == "" {
		return fmt.Errorf("maintenance cleanup cron cannot be empty")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("QM_LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("QM_LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	cfg.Console.Enabled = getEnvAsBool("QM_LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("QM_LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("QM_LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("QM_LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	cfg.File.Enabled = getEnvAsBool("QM_LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("QM_LOG_FILE_PATH", "/var/log/queuemanager/broker.log")
	cfg.File.MaxSizeMB = getEnvAsInt("QM_LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("QM_LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("QM_LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("QM_LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("QM_LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("QM_LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("QM_LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	cfg.Elasticsearch.Enabled = getEnvAsBool("QM_LOG_ES_ENABLED", false)
	cfg.Elasticsearch.Mode = getEnv("QM_LOG_ES_MODE", "self-managed")
	cfg.Elasticsearch.Addresses = getEnvAsStringSlice("QM_LOG_ES_ADDRESSES", []string{"http://localhost:9200"})
	cfg.Elasticsearch.Username = getEnv("QM_LOG_ES_USERNAME", "")
	cfg.Elasticsearch.Password = getEnv("QM_LOG_ES_PASSWORD", "")
	cfg.Elasticsearch.CloudID = getEnv("QM_LOG_ES_CLOUD_ID", "")
	cfg.Elasticsearch.APIKey = getEnv("QM_LOG_ES_API_KEY", "")
	cfg.Elasticsearch.IndexPrefix = getEnv("QM_LOG_ES_INDEX_PREFIX", "queuemanager-logs")
	cfg.Elasticsearch.BulkSize = getEnvAsInt("QM_LOG_ES_BULK_SIZE", 100)
	cfg.Elasticsearch.FlushInterval = getEnvAsDuration("QM_LOG_ES_FLUSH_INTERVAL", 5*time.Second)
	cfg.Elasticsearch.Workers = getEnvAsInt("QM_LOG_ES_WORKERS", 2)
	cfg.Elasticsearch.MaxRetries = getEnvAsInt("QM_LOG_ES_MAX_RETRIES", 3)
	cfg.Elasticsearch.RetryBackoff = getEnvAsDuration("QM_LOG_ES_RETRY_BACKOFF", 1*time.Second)
	cfg.Elasticsearch.CircuitBreaker = getEnvAsBool("QM_LOG_ES_CIRCUIT_BREAKER", true)
	cfg.Elasticsearch.FailureThreshold = getEnvAsInt("QM_LOG_ES_FAILURE_THRESHOLD", 5)
	cfg.Elasticsearch.ResetTimeout = getEnvAsDuration("QM_LOG_ES_RESET_TIMEOUT", 30*time.Second)

	return cfg
}
