// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	FORMDEPOT_HOST="0.0.0.0"
//	FORMDEPOT_PORT="8080"
//	FORMDEPOT_HEALTH_PORT="9090"
//	FORMDEPOT_READ_TIMEOUT="15s"
//	FORMDEPOT_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	FORMDEPOT_POSTGRES_URL="postgres://localhost/formdepot"
//	FORMDEPOT_POSTGRES_MAX_CONNS="25"
//	FORMDEPOT_POSTGRES_MAX_IDLE_CONNS="5"
//	FORMDEPOT_POSTGRES_CONN_LIFETIME="5m"
//
// Cache settings:
//
//	FORMDEPOT_CACHE_ENABLED="true"
//	FORMDEPOT_REDIS_URL="redis://localhost:6379/0"
//	FORMDEPOT_CACHE_TTL="5m"
//
// Snapshot retention settings:
//
//	FORMDEPOT_SNAPSHOT_RETAIN_FOR="24h"
//	FORMDEPOT_SNAPSHOT_REAPER_SCHEDULE="0 3 * * *"
//
// Observability settings:
//
//	FORMDEPOT_LOG_LEVEL="info"  # debug, info, warn, error
//	FORMDEPOT_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/observability: Uses observability configuration
//   - pkg/permission: Uses cache configuration
package config
