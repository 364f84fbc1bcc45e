// Package app wires configuration into a running billing service. The
// server binary and the operator CLI share it so both see the same stores,
// queues and pricing.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ai_billing/internal/billing"
	"ai_billing/internal/config"
	"ai_billing/internal/httpapi"
	"ai_billing/internal/logging"
	"ai_billing/internal/metrics"
	"ai_billing/internal/models"
	"ai_billing/internal/pricing"
	"ai_billing/internal/queue"
	"ai_billing/internal/reporter"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

// App holds the wired components of the billing service
type App struct {
	Config *config.Config

	DB            *storage.DB
	Redis         *storage.RedisClient
	Ledgers       *storage.LedgerRepository
	Subscriptions *storage.SubscriptionRepository
	PricingRepo   *storage.PricingRepository

	Resolver *pricing.Resolver
	Ledger   *billing.Ledger
	Gate     *billing.Gate
	Engine   *billing.Engine
	Relay    *billing.ReportRelay
	Worker   *reporter.ReportQueueWorker
	Audit    logging.Sink

	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	fileSource *pricing.FileSource
	refresher  *pricing.Refresher
	refreshing bool
	fileWriter *logging.FileWriter
	queue      queue.Queue[*models.OverageReport]
	dlq        queue.DeadLetterQueue[*models.OverageReport]
	logger     *utils.Logger
}

// New connects to the stores and builds every component. Background loops
// are not started; see Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		logger: utils.NewLogger("app"),
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	if err := a.openStores(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.buildPricing(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.buildReporting(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.buildAudit(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	ledgerCfg := billing.LedgerConfig{
		Defaults: models.SpendingPreferences{
			MonthlyLimitAmount:    cfg.Spending.DefaultMonthlyLimit,
			AlertThresholdPercent: cfg.Spending.DefaultAlertThreshold,
			HardLimit:             cfg.Spending.DefaultHardLimit,
		},
		MaxConflictRetries: cfg.Spending.MaxConflictRetries,
		ConflictBackoff:    cfg.Spending.ConflictBackoff,
	}
	a.Ledger = billing.NewLedger(a.Ledgers, billing.NewLogAlerter(), ledgerCfg, a.Metrics)
	a.Gate = billing.NewGate(a.Ledger, cfg.Spending.GateFailOpen, a.Metrics)
	a.Engine = billing.NewEngine(billing.EngineOptions{
		Resolver:   a.Resolver,
		Allowances: a.Subscriptions,
		Ledger:     a.Ledger,
		Reports:    a.Worker,
		Audit:      a.Audit,
		Metrics:    a.Metrics,
	})
	a.Relay = billing.NewReportRelay(a.Ledgers, a.Worker, billing.RelayConfig{
		Interval:  cfg.Reporter.RelayInterval,
		Grace:     cfg.Reporter.RelayGrace,
		BatchSize: cfg.Reporter.BatchSize,
		Retention: cfg.Reporter.JournalRetention,
	}, a.Metrics)

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config

	dbCfg := storage.DefaultDBConfig()
	dbCfg.DSN = cfg.Database.URL
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbCfg.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	dbCfg.SubscriptionCacheSize = cfg.Cache.SubscriptionCacheSize
	dbCfg.SubscriptionCacheTTL = cfg.Cache.SubscriptionCacheTTL

	db, err := storage.NewDB(dbCfg)
	if err != nil {
		return err
	}
	a.DB = db
	a.Ledgers = db.NewLedgerRepository()
	a.Subscriptions = db.NewSubscriptionRepository()
	a.PricingRepo = db.NewPricingRepository()

	if cfg.Redis.Enabled {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Address = cfg.Redis.Address
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		client, err := storage.NewRedisClient(redisCfg)
		if err != nil {
			return err
		}
		a.Redis = client
	}

	return nil
}

// NewResolver builds the pricing resolver from configuration, without a
// snapshot loaded
func NewResolver(cfg config.PricingConfig) *pricing.Resolver {
	return pricing.NewResolver(pricing.FallbackRates{
		CostPerInputUnit:  cfg.FallbackCostPerInput,
		CostPerOutputUnit: cfg.FallbackCostPerOut,
		CostPerRun:        cfg.FallbackCostPerRun,
		UnitSize:          cfg.FallbackUnitSize,
	}, cfg.DefaultMarginPercent)
}

func (a *App) buildPricing(ctx context.Context) error {
	cfg := a.Config.Pricing
	a.Resolver = NewResolver(cfg)

	if cfg.FilePath != "" {
		source, err := pricing.NewFileSource(cfg.FilePath, a.Resolver)
		if err != nil {
			return fmt.Errorf("failed to load pricing file: %w", err)
		}
		a.fileSource = source
	} else {
		a.refresher = pricing.NewRefresher(a.PricingRepo, a.Resolver, cfg.RefreshInterval)
		if err := a.refresher.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to load pricing table: %w", err)
		}
	}

	// Refuse to serve when unknown models would be charged nothing
	if err := a.Resolver.ValidateFallback(); err != nil {
		return fmt.Errorf("add a %q pricing entry or set PRICING_FALLBACK_COST_PER_*: %w", pricing.WildcardModelKey, err)
	}
	return nil
}

func (a *App) buildReporting(ctx context.Context) error {
	cfg := a.Config.Reporter

	qCfg := queue.DefaultConfig(cfg.QueueName)
	qCfg.BatchSize = cfg.BatchSize
	qCfg.BatchTimeout = cfg.BatchTimeout
	qCfg.MaxRetries = cfg.MaxRetries
	qCfg.RetryBackoff = cfg.RetryBackoff
	qCfg.RedriveInterval = cfg.RedriveInterval
	qCfg.MaxRedrives = cfg.MaxRedrives
	qCfg.UseRedis = a.Redis != nil

	var dedupe reporter.Deduper
	if qCfg.UseRedis {
		q, err := queue.NewRedisQueue[*models.OverageReport](a.Redis.Client(), qCfg)
		if err != nil {
			return err
		}
		dlq, err := queue.NewRedisDeadLetterQueue[*models.OverageReport](a.Redis.Client(), qCfg)
		if err != nil {
			return err
		}
		a.queue, a.dlq = q, dlq
		dedupe = reporter.NewRedisDeduper(a.Redis.Client(), cfg.DedupeTTL)
	} else {
		a.logger.Warn("Redis disabled, pending overage reports are lost on restart")
		a.queue = queue.NewMemoryQueue[*models.OverageReport](qCfg)
		a.dlq = queue.NewMemoryDeadLetterQueue[*models.OverageReport]()
		dedupe = reporter.NewMemoryDeduper()
	}

	submitter := reporter.NewStripeSubmitter(reporter.StripeConfig{
		SecretKey: a.Config.Stripe.SecretKey,
		APIURL:    a.Config.Stripe.APIURL,
		Timeout:   a.Config.Stripe.Timeout,
	})
	rep := reporter.NewReporter(a.Subscriptions, submitter, dedupe, a.Metrics)
	a.Worker = reporter.NewReportQueueWorker(a.queue, a.dlq, rep, qCfg, a.Metrics)
	return nil
}

func (a *App) buildAudit(ctx context.Context) error {
	cfg := a.Config.Audit

	sinkCfg := logging.DefaultSinkConfig()
	if cfg.BufferSize > 0 {
		sinkCfg.BufferSize = cfg.BufferSize
	}
	if cfg.FlushSize > 0 {
		sinkCfg.FlushSize = cfg.FlushSize
	}
	if cfg.FlushInterval > 0 {
		sinkCfg.FlushInterval = cfg.FlushInterval
	}

	switch cfg.Backend {
	case "file":
		writer, err := logging.NewFileWriter(cfg.FilePathTemplate, cfg.MaxFileSize, cfg.MaxFiles)
		if err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
		a.fileWriter = writer
		a.Audit = logging.NewBufferedSink(writer, sinkCfg)
	case "s3":
		writer, err := logging.NewS3Writer(ctx, logging.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			PodName:  cfg.PodName,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 audit writer: %w", err)
		}
		a.Audit = logging.NewBufferedSink(writer, sinkCfg)
	default:
		a.Audit = logging.NewNoopSink()
	}
	return nil
}

// Start launches the report worker, the pending report relay and the
// pricing reload loop
func (a *App) Start(ctx context.Context) error {
	a.Worker.Start(ctx)
	a.Relay.Start(ctx)

	if a.fileSource != nil {
		if err := a.fileSource.Watch(); err != nil {
			return fmt.Errorf("failed to watch pricing file: %w", err)
		}
	}
	if a.refresher != nil {
		a.refresher.Start(ctx)
		a.refreshing = true
	}
	return nil
}

// Router builds the HTTP handler over the wired components
func (a *App) Router() http.Handler {
	checks := map[string]httpapi.HealthCheck{
		"postgres": a.DB.Health,
	}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Health
	}

	return httpapi.NewRouter(&httpapi.Dependencies{
		Engine:              a.Engine,
		Gate:                a.Gate,
		Ledger:              a.Ledger,
		Ledgers:             a.Ledgers,
		Subscriptions:       a.Subscriptions,
		Reports:             a.Worker,
		HealthChecks:        checks,
		Metrics:             a.Metrics,
		Gatherer:            a.Registry,
		JWTSecret:           a.Config.Auth.JWTSecret,
		StripeWebhookSecret: a.Config.Stripe.WebhookSecret,
		RequestTimeout:      30 * time.Second,
	})
}

// Close stops background loops, flushes the audit trail and closes the
// stores. It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	// The relay feeds the worker, so it stops first
	if a.Relay != nil {
		a.Relay.Stop()
	}
	if a.Worker != nil {
		errs = append(errs, a.Worker.Stop())
	}
	if a.fileSource != nil {
		a.fileSource.Stop()
	}
	if a.refreshing {
		a.refresher.Stop()
	}
	if a.Audit != nil {
		errs = append(errs, a.Audit.Shutdown(ctx))
	}
	if a.fileWriter != nil {
		errs = append(errs, a.fileWriter.Close())
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.dlq != nil {
		errs = append(errs, a.dlq.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// CleanupLoop evicts expired subscription cache entries until ctx ends
func (a *App) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.DB.CleanupExpiredCacheEntries(); n > 0 {
				a.logger.Debug("Evicted expired cache entries", "count", n)
			}
		}
	}
}
