package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/formdepot/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Cache configuration
	Cache CacheConfig

	// Snapshot retention configuration
	Snapshots SnapshotConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
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

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CacheConfig holds Redis permission-cache settings
type CacheConfig struct {
	Enabled  bool
	RedisURL string
	TTL      time.Duration
}

// SnapshotConfig holds snapshot retention settings for the reaper
type SnapshotConfig struct {
	// RetainFor is how long unreferenced snapshots are kept before the
	// reaper deletes them. They are regenerated on demand.
	RetainFor time.Duration
	// Schedule is a cron expression for the reaper run
	Schedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Snapshots:     loadSnapshotConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("FORMDEPOT_HOST", "0.0.0.0"),
		Port:            getEnv("FORMDEPOT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("FORMDEPOT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("FORMDEPOT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("FORMDEPOT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("FORMDEPOT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("FORMDEPOT_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("FORMDEPOT_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("FORMDEPOT_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:    getEnvInt("FORMDEPOT_POSTGRES_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("FORMDEPOT_POSTGRES_CONN_LIFETIME", 5*time.Minute),
	}
}

// loadCacheConfig loads Redis cache configuration from environment
func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:  getEnvBool("FORMDEPOT_CACHE_ENABLED", false),
		RedisURL: getEnv("FORMDEPOT_REDIS_URL", "redis://localhost:6379/0"),
		TTL:      getEnvDuration("FORMDEPOT_CACHE_TTL", 5*time.Minute),
	}
}

// loadSnapshotConfig loads snapshot retention configuration from environment
func loadSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		RetainFor: getEnvDuration("FORMDEPOT_SNAPSHOT_RETAIN_FOR", 24*time.Hour),
		Schedule:  getEnv("FORMDEPOT_SNAPSHOT_REAPER_SCHEDULE", "0 3 * * *"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       observability.ParseLogLevel(getEnv("FORMDEPOT_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("FORMDEPOT_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
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

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Cache.Enabled {
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required when the cache is enabled")
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
	}

	if c.Snapshots.RetainFor <= 0 {
		return fmt.Errorf("snapshot retention must be positive")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
