package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds configuration for the billing service.
type Config struct {
	HTTPPort  string
	LogLevel  string
	LogFormat string
	Database  DatabaseConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Stripe    StripeConfig
	Pricing   PricingConfig
	Spending  SpendingConfig
	Reporter  ReporterConfig
	Audit     AuditConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// CacheConfig holds cache settings
type CacheConfig struct {
	SubscriptionCacheSize int
	SubscriptionCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StripeConfig holds Stripe credentials
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	APIURL        string // empty for the public API
	Timeout       time.Duration
}

// PricingConfig selects the pricing source and the fallback for unknown models
type PricingConfig struct {
	FilePath             string        // YAML file, hot-reloaded; empty reads the model_pricing table
	RefreshInterval      time.Duration // model_pricing reload interval
	DefaultMarginPercent decimal.Decimal
	FallbackCostPerInput decimal.Decimal
	FallbackCostPerOut   decimal.Decimal
	FallbackCostPerRun   decimal.Decimal
	FallbackUnitSize     int64
}

// SpendingConfig holds defaults for lazily created ledgers and gate behaviour
type SpendingConfig struct {
	DefaultMonthlyLimit   decimal.Decimal
	DefaultAlertThreshold decimal.Decimal
	DefaultHardLimit      bool
	GateFailOpen          bool // allow requests when the ledger cannot be read
	MaxConflictRetries    int
	ConflictBackoff       time.Duration
}

// ReporterConfig configures the overage report queue and worker
type ReporterConfig struct {
	QueueName       string
	BatchSize       int
	BatchTimeout    time.Duration
	MaxRetries      int // delivery attempts per report, including the first
	RetryBackoff    time.Duration
	RedriveInterval time.Duration
	MaxRedrives     int
	DedupeTTL       time.Duration

	// Charge journal relay: pending reports older than RelayGrace are
	// queued every RelayInterval; settled entries live JournalRetention
	RelayInterval    time.Duration
	RelayGrace       time.Duration
	JournalRetention time.Duration
}

// AuditConfig configures the usage audit trail
type AuditConfig struct {
	Backend          string // none, file or s3
	BufferSize       int
	FlushSize        int
	FlushInterval    time.Duration
	FilePathTemplate string
	MaxFileSize      int64
	MaxFiles         int
	S3Bucket         string
	S3Region         string
	S3Prefix         string
	S3Endpoint       string
	PodName          string
}

// TelemetryConfig configures tracing
type TelemetryConfig struct {
	Enabled      bool
	Exporter     string // stdout or otlp
	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64
}

// AuthConfig holds the token signing settings
type AuthConfig struct {
	JWTSecret []byte
	TokenTTL  time.Duration
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// getEnvDecimal fails loudly: a mistyped money setting must not silently
// fall back to a default.
func getEnvDecimal(key string, defaultValue string) (decimal.Decimal, error) {
	val := getEnvString(key, defaultValue)
	d, err := decimal.NewFromString(strings.TrimSpace(val))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, val)
	}
	return d, nil
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return load(dbURL)
}

// LoadWithoutDatabase is Load for commands that never open Postgres
func LoadWithoutDatabase() (*Config, error) {
	_ = godotenv.Load()
	return load(os.Getenv("DATABASE_URL"))
}

func load(dbURL string) (*Config, error) {
	var decErr error
	dec := func(key, def string) decimal.Decimal {
		d, err := getEnvDecimal(key, def)
		if err != nil && decErr == nil {
			decErr = err
		}
		return d
	}

	cfg := &Config{
		HTTPPort:  getEnvString("HTTP_PORT", "8080"),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Cache: CacheConfig{
			SubscriptionCacheSize: getEnvInt("CACHE_SUBSCRIPTION_SIZE", 1000),
			SubscriptionCacheTTL:  getEnvDuration("CACHE_SUBSCRIPTION_TTL", 1*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", true),
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnvString("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnvString("STRIPE_WEBHOOK_SECRET", ""),
			APIURL:        getEnvString("STRIPE_API_URL", ""),
			Timeout:       getEnvDuration("STRIPE_TIMEOUT", 10*time.Second),
		},
		Pricing: PricingConfig{
			FilePath:             getEnvString("PRICING_FILE", ""),
			RefreshInterval:      getEnvDuration("PRICING_REFRESH_INTERVAL", 5*time.Minute),
			DefaultMarginPercent: dec("PRICING_DEFAULT_MARGIN_PERCENT", "40"),
			FallbackCostPerInput: dec("PRICING_FALLBACK_COST_PER_INPUT_UNIT", "10"),
			FallbackCostPerOut:   dec("PRICING_FALLBACK_COST_PER_OUTPUT_UNIT", "30"),
			FallbackCostPerRun:   dec("PRICING_FALLBACK_COST_PER_RUN", "0.25"),
			FallbackUnitSize:     getEnvInt64("PRICING_FALLBACK_UNIT_SIZE", 1_000_000),
		},
		Spending: SpendingConfig{
			DefaultMonthlyLimit:   dec("SPENDING_DEFAULT_MONTHLY_LIMIT", "100"),
			DefaultAlertThreshold: dec("SPENDING_DEFAULT_ALERT_THRESHOLD", "80"),
			DefaultHardLimit:      getEnvBool("SPENDING_DEFAULT_HARD_LIMIT", false),
			GateFailOpen:          getEnvBool("SPENDING_GATE_FAIL_OPEN", true),
			MaxConflictRetries:    getEnvInt("SPENDING_MAX_CONFLICT_RETRIES", 5),
			ConflictBackoff:       getEnvDuration("SPENDING_CONFLICT_BACKOFF", 10*time.Millisecond),
		},
		Reporter: ReporterConfig{
			QueueName:       getEnvString("REPORTER_QUEUE_NAME", "overage_reports"),
			BatchSize:       getEnvInt("REPORTER_BATCH_SIZE", 100),
			BatchTimeout:    getEnvDuration("REPORTER_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:      getEnvInt("REPORTER_MAX_RETRIES", 3),
			RetryBackoff:    getEnvDuration("REPORTER_RETRY_BACKOFF", 1*time.Second),
			RedriveInterval: getEnvDuration("REPORTER_REDRIVE_INTERVAL", 10*time.Minute),
			MaxRedrives:     getEnvInt("REPORTER_MAX_REDRIVES", 5),
			DedupeTTL:       getEnvDuration("REPORTER_DEDUPE_TTL", 30*24*time.Hour),

			RelayInterval:    getEnvDuration("REPORTER_RELAY_INTERVAL", 30*time.Second),
			RelayGrace:       getEnvDuration("REPORTER_RELAY_GRACE", 1*time.Minute),
			JournalRetention: getEnvDuration("REPORTER_JOURNAL_RETENTION", 45*24*time.Hour),
		},
		Audit: AuditConfig{
			Backend:          strings.ToLower(getEnvString("AUDIT_BACKEND", "none")),
			BufferSize:       getEnvInt("AUDIT_BUFFER_SIZE", 10000),
			FlushSize:        getEnvInt("AUDIT_FLUSH_SIZE", 500),
			FlushInterval:    getEnvDuration("AUDIT_FLUSH_INTERVAL", 30*time.Second),
			FilePathTemplate: getEnvString("AUDIT_FILE_PATH_TEMPLATE", "/var/log/ai-billing/usage-%s.jsonl"),
			MaxFileSize:      getEnvInt64("AUDIT_MAX_FILE_SIZE", 10_485_760), // default 10 MB
			MaxFiles:         getEnvInt("AUDIT_MAX_FILES", 5),
			S3Bucket:         getEnvString("AUDIT_S3_BUCKET", ""),
			S3Region:         getEnvString("AUDIT_S3_REGION", "us-east-1"),
			S3Prefix:         getEnvString("AUDIT_S3_PREFIX", "usage/"),
			S3Endpoint:       getEnvString("AUDIT_S3_ENDPOINT", ""),
			PodName:          getEnvString("POD_NAME", "billing-0"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getEnvBool("OTEL_ENABLED", false),
			Exporter:     getEnvString("OTEL_EXPORTER", "stdout"),
			OTLPEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  getEnvString("OTEL_SERVICE_NAME", "ai-billing"),
			SampleRatio:  getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
		},
		Auth: AuthConfig{
			JWTSecret: []byte(getEnvString("JWT_SECRET", "")),
			TokenTTL:  getEnvDuration("JWT_TOKEN_TTL", 24*time.Hour),
		},
	}

	if decErr != nil {
		return nil, decErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no safe default
func (c *Config) Validate() error {
	if len(c.Auth.JWTSecret) == 0 {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Spending.DefaultMonthlyLimit.IsNegative() {
		return fmt.Errorf("SPENDING_DEFAULT_MONTHLY_LIMIT must not be negative")
	}
	hundred := decimal.NewFromInt(100)
	if !c.Spending.DefaultAlertThreshold.IsPositive() || c.Spending.DefaultAlertThreshold.GreaterThan(hundred) {
		return fmt.Errorf("SPENDING_DEFAULT_ALERT_THRESHOLD must be in (0, 100]")
	}
	if c.Pricing.DefaultMarginPercent.IsNegative() {
		return fmt.Errorf("PRICING_DEFAULT_MARGIN_PERCENT must not be negative")
	}
	if c.Pricing.FallbackCostPerInput.IsNegative() || c.Pricing.FallbackCostPerOut.IsNegative() || c.Pricing.FallbackCostPerRun.IsNegative() {
		return fmt.Errorf("PRICING_FALLBACK_COST_PER_* must not be negative")
	}

	switch c.Audit.Backend {
	case "none", "file":
	case "s3":
		if c.Audit.S3Bucket == "" {
			return fmt.Errorf("AUDIT_S3_BUCKET is required when AUDIT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("AUDIT_BACKEND must be one of none, file, s3")
	}

	switch c.Telemetry.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("OTEL_EXPORTER must be stdout or otlp")
	}
	return nil
}
