package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://billing@localhost/billing?sslmode=disable")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.True(t, cfg.Spending.DefaultMonthlyLimit.Equal(decimal.NewFromInt(100)))
	assert.True(t, cfg.Spending.DefaultAlertThreshold.Equal(decimal.NewFromInt(80)))
	assert.False(t, cfg.Spending.DefaultHardLimit)
	assert.True(t, cfg.Spending.GateFailOpen)
	assert.True(t, cfg.Pricing.DefaultMarginPercent.Equal(decimal.NewFromInt(40)))
	assert.True(t, cfg.Pricing.FallbackCostPerInput.IsPositive())
	assert.True(t, cfg.Pricing.FallbackCostPerOut.IsPositive())
	assert.True(t, cfg.Pricing.FallbackCostPerRun.IsPositive(), "unknown run-priced models must not be free")
	assert.Equal(t, time.Minute, cfg.Reporter.RelayGrace)
	assert.Equal(t, 45*24*time.Hour, cfg.Reporter.JournalRetention)
	assert.Equal(t, 3, cfg.Reporter.MaxRetries)
	assert.Equal(t, 30*24*time.Hour, cfg.Reporter.DedupeTTL)
	assert.Equal(t, "none", cfg.Audit.Backend)
	assert.Equal(t, []byte("test-secret"), cfg.Auth.JWTSecret)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SPENDING_DEFAULT_MONTHLY_LIMIT", "250.50")
	t.Setenv("SPENDING_DEFAULT_HARD_LIMIT", "true")
	t.Setenv("REPORTER_RETRY_BACKOFF", "250ms")
	t.Setenv("AUDIT_BACKEND", "S3")
	t.Setenv("AUDIT_S3_BUCKET", "usage-audit")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Spending.DefaultMonthlyLimit.Equal(decimal.RequireFromString("250.50")))
	assert.True(t, cfg.Spending.DefaultHardLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Reporter.RetryBackoff)
	assert.Equal(t, "s3", cfg.Audit.Backend)
	assert.Equal(t, 0, cfg.Redis.DB, "unparseable ints fall back to the default")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing database", env: map[string]string{"DATABASE_URL": "", "JWT_SECRET": "s"}},
		{name: "missing secret", env: map[string]string{"JWT_SECRET": ""}},
		{name: "bad money", env: map[string]string{"SPENDING_DEFAULT_MONTHLY_LIMIT": "ten"}},
		{name: "threshold over 100", env: map[string]string{"SPENDING_DEFAULT_ALERT_THRESHOLD": "120"}},
		{name: "zero threshold", env: map[string]string{"SPENDING_DEFAULT_ALERT_THRESHOLD": "0"}},
		{name: "s3 without bucket", env: map[string]string{"AUDIT_BACKEND": "s3"}},
		{name: "unknown audit backend", env: map[string]string{"AUDIT_BACKEND": "kafka"}},
		{name: "unknown exporter", env: map[string]string{"OTEL_EXPORTER": "zipkin"}},
		{name: "negative fallback cost", env: map[string]string{"PRICING_FALLBACK_COST_PER_RUN": "-0.5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadWithoutDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "cli-secret")

	cfg, err := LoadWithoutDatabase()
	require.NoError(t, err)
	assert.Empty(t, cfg.Database.URL)
}
