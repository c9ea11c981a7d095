// Package domain defines the core interfaces and types for the provenance
// risk service.
package domain

import (
	"context"
	"time"
)

// Repository is the audit store for evaluations and the home of custom
// rule configurations. It is not the system of record for the analytics
// ledger, which lives in memory.
type Repository interface {
	// Evaluation results
	SaveEvaluation(ctx context.Context, result *RiskResult) error
	GetEvaluation(ctx context.Context, evalID string) (*RiskResult, error)
	ListEvaluationsByProduct(ctx context.Context, productID string, limit int) ([]*RiskResult, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
