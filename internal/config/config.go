// Package config builds the service configuration from the tier defaults
// and the process environment.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/provenance/internal/domain"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() *domain.Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current environment without
// reading any .env file. Malformed numbers fall back to their defaults.
func FromEnv() *domain.Config {
	var cfg *domain.Config
	switch domain.Tier(strings.ToLower(os.Getenv("PROVENANCE_TIER"))) {
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		cfg = domain.DefaultConfig()
	}

	// Zero or negative engine settings are treated as unset.
	if v := getEnvInt("RISK_THRESHOLD", 0); v > 0 {
		cfg.Engine.RiskThreshold = v
	}
	if v := getEnvInt64("TIME_GAP_WARNING", 0); v > 0 {
		cfg.Engine.TimeGapWarning = v
	}

	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)

	cfg.Repository.SQLitePath = getEnv("PROVENANCE_DB_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("DATABASE_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("DATABASE_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("DATABASE_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("DATABASE_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("DATABASE_NAME", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("DATABASE_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.NATSUrl = getEnv("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("NATS_TOKEN", cfg.EventBus.NATSToken)

	cfg.AsyncWorker = getEnvBool("PROVENANCE_ASYNC_WORKER", cfg.AsyncWorker)

	cfg.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", cfg.Logging.Format))

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
