// Package config loads service configuration from WARDEN_* environment
// variables with sane defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wardenproject/warden/pkg/observability"
	"github.com/wardenproject/warden/pkg/ownersync"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Feed          FeedConfig
	Authorization AuthorizationConfig
	Observability ObservabilityConfig
	Audit         AuditConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StoreConfig selects and configures the privilege store backend.
type StoreConfig struct {
	// Type is "postgres" or "memory". Memory is for development only.
	Type        string
	PostgresURL string
}

// FeedConfig configures the catalog event feed.
type FeedConfig struct {
	Enabled       bool
	RedisURL      string
	RedisPassword string
	RedisDB       int
	Key           string
}

// AuthorizationConfig holds the authorization-specific settings.
type AuthorizationConfig struct {
	// PolicyPath points at the yaml policy file (admin groups,
	// grantable actions, visibility table, static group mappings).
	PolicyPath string
	// OwnerPrivilegeMode is none, all or all-with-grant.
	OwnerPrivilegeMode ownersync.Mode
	// DefaultWaitTimeout bounds min_notification_id waits.
	DefaultWaitTimeout time.Duration
	// GroupCacheSize and GroupCacheTTL configure the resolver cache;
	// size 0 disables caching.
	GroupCacheSize int
	GroupCacheTTL  time.Duration
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
	// GaugeRefreshSchedule is a cron expression for the store gauge
	// sampling job.
	GaugeRefreshSchedule string
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled  bool
	BasePath string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	mode, err := ownersync.ParseMode(getEnv("WARDEN_OWNER_PRIVILEGE_MODE", "all"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("WARDEN_HOST", "0.0.0.0"),
			Port:            getEnv("WARDEN_PORT", "8080"),
			ReadTimeout:     getEnvDuration("WARDEN_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("WARDEN_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("WARDEN_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("WARDEN_HEALTH_PORT", "9090"),
		},
		Store: StoreConfig{
			Type:        getEnv("WARDEN_STORE_TYPE", "postgres"),
			PostgresURL: getEnv("WARDEN_POSTGRES_URL", ""),
		},
		Feed: FeedConfig{
			Enabled:       getEnvBool("WARDEN_FEED_ENABLED", true),
			RedisURL:      getEnv("WARDEN_REDIS_URL", "localhost:6379"),
			RedisPassword: getEnv("WARDEN_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("WARDEN_REDIS_DB", 0),
			Key:           getEnv("WARDEN_FEED_KEY", ""),
		},
		Authorization: AuthorizationConfig{
			PolicyPath:         getEnv("WARDEN_POLICY_PATH", ""),
			OwnerPrivilegeMode: mode,
			DefaultWaitTimeout: getEnvDuration("WARDEN_WAIT_TIMEOUT", 10*time.Second),
			GroupCacheSize:     getEnvInt("WARDEN_GROUP_CACHE_SIZE", 1024),
			GroupCacheTTL:      getEnvDuration("WARDEN_GROUP_CACHE_TTL", time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:             observability.ParseLogLevel(getEnv("WARDEN_LOG_LEVEL", "info")),
			MetricsEnabled:       getEnvBool("WARDEN_METRICS_ENABLED", true),
			GaugeRefreshSchedule: getEnv("WARDEN_GAUGE_REFRESH_SCHEDULE", "@every 30s"),
		},
		Audit: AuditConfig{
			Enabled:  getEnvBool("WARDEN_AUDIT_ENABLED", false),
			BasePath: getEnv("WARDEN_AUDIT_PATH", "/var/log/warden/audit"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.Type {
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store type: %s (must be postgres or memory)", c.Store.Type)
	}

	if c.Feed.Enabled && c.Feed.RedisURL == "" {
		return fmt.Errorf("redis URL is required when the catalog feed is enabled")
	}
	if c.Authorization.DefaultWaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive")
	}
	if c.Audit.Enabled && c.Audit.BasePath == "" {
		return fmt.Errorf("audit path is required when auditing is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
