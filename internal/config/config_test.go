package config

import (
	"testing"

	"github.com/opensource-finance/provenance/internal/domain"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"PROVENANCE_TIER", "RISK_THRESHOLD", "TIME_GAP_WARNING", "PORT"} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()

	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Engine.RiskThreshold != 70 {
		t.Errorf("expected threshold 70, got %d", cfg.Engine.RiskThreshold)
	}
	if cfg.Engine.TimeGapWarning != 86400 {
		t.Errorf("expected time gap warning 86400, got %d", cfg.Engine.TimeGapWarning)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("expected port 5000, got %d", cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Repository.Driver)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RISK_THRESHOLD", "50")
	t.Setenv("TIME_GAP_WARNING", "3600")
	t.Setenv("PORT", "8088")
	t.Setenv("PROVENANCE_DB_PATH", "/tmp/p.db")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("PROVENANCE_ASYNC_WORKER", "true")

	cfg := FromEnv()

	if cfg.Engine.RiskThreshold != 50 {
		t.Errorf("expected threshold 50, got %d", cfg.Engine.RiskThreshold)
	}
	if cfg.Engine.TimeGapWarning != 3600 {
		t.Errorf("expected 3600, got %d", cfg.Engine.TimeGapWarning)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("expected port 8088, got %d", cfg.Server.Port)
	}
	if cfg.Repository.SQLitePath != "/tmp/p.db" {
		t.Errorf("expected db path override, got %s", cfg.Repository.SQLitePath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level 'debug', got '%s'", cfg.Logging.Level)
	}
	if !cfg.AsyncWorker {
		t.Error("expected async worker enabled")
	}
}

func TestFromEnvInvalidNumbers(t *testing.T) {
	t.Setenv("RISK_THRESHOLD", "high")
	t.Setenv("TIME_GAP_WARNING", "")
	t.Setenv("PORT", "80a")

	cfg := FromEnv()

	if cfg.Engine.RiskThreshold != domain.DefaultRiskThreshold {
		t.Errorf("expected default threshold, got %d", cfg.Engine.RiskThreshold)
	}
	if cfg.Engine.TimeGapWarning != domain.DefaultTimeGapWarning {
		t.Errorf("expected default time gap, got %d", cfg.Engine.TimeGapWarning)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestFromEnvNonPositiveEngineSettings(t *testing.T) {
	tests := []struct {
		name      string
		threshold string
		timeGap   string
	}{
		{"zero", "0", "0"},
		{"negative", "-5", "-86400"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RISK_THRESHOLD", tt.threshold)
			t.Setenv("TIME_GAP_WARNING", tt.timeGap)

			cfg := FromEnv()

			if cfg.Engine.RiskThreshold != domain.DefaultRiskThreshold {
				t.Errorf("expected default threshold for %q, got %d", tt.threshold, cfg.Engine.RiskThreshold)
			}
			if cfg.Engine.TimeGapWarning != domain.DefaultTimeGapWarning {
				t.Errorf("expected default time gap for %q, got %d", tt.timeGap, cfg.Engine.TimeGapWarning)
			}
		})
	}
}

func TestFromEnvProTier(t *testing.T) {
	t.Setenv("PROVENANCE_TIER", "pro")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("DATABASE_HOST", "db")

	cfg := FromEnv()

	if cfg.Tier != domain.TierPro {
		t.Fatalf("expected pro tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "postgres" || cfg.Repository.PostgresHost != "db" {
		t.Errorf("unexpected repository config %+v", cfg.Repository)
	}
	if cfg.EventBus.NATSUrl != "nats://bus:4222" {
		t.Errorf("expected NATS override, got %s", cfg.EventBus.NATSUrl)
	}
	if !cfg.AsyncWorker {
		t.Error("expected async worker on in pro tier")
	}
}
