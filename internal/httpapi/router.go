// Package httpapi exposes the billing engine over HTTP: usage recording and
// pre-use checks for backend services, ledger and report administration,
// the Stripe webhook, health and metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"ai_billing/internal/auth"
	"ai_billing/internal/billing"
	"ai_billing/internal/metrics"
	"ai_billing/internal/middleware"
	"ai_billing/internal/models"
	"ai_billing/internal/reporter"
	"ai_billing/internal/utils"
)

// UsageRecorder charges successful AI invocations
type UsageRecorder interface {
	RecordUsage(ctx context.Context, req billing.UsageRequest) (*billing.UsageReceipt, error)
}

// SpendingChecker answers pre-use checks
type SpendingChecker interface {
	CheckBeforeUse(ctx context.Context, userID string) (billing.CheckResult, error)
}

// LedgerAdmin reads and manages spending ledgers
type LedgerAdmin interface {
	Get(ctx context.Context, userID string) (*models.SpendingLedger, error)
	Rollover(ctx context.Context, userID string, cycleStart time.Time) (bool, error)
	UpdatePreferences(ctx context.Context, userID string, prefs models.SpendingPreferences) (*models.SpendingLedger, error)
}

// LedgerLister lists ledgers at or above their alert threshold
type LedgerLister interface {
	ListOverThreshold(ctx context.Context, limit int) ([]*models.SpendingLedger, error)
}

// SubscriptionStore is updated from billing platform webhooks
type SubscriptionStore interface {
	GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.BillingSubscription, error)
	UpdateStatus(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus, periodStart time.Time) (string, error)
}

// ReportAdmin manages the overage report queue and its dead letters
type ReportAdmin interface {
	GetQueueLength(ctx context.Context) (int, error)
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]reporter.DeadLetter, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
	Redrive(ctx context.Context) (int, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Engine        UsageRecorder
	Gate          SpendingChecker
	Ledger        LedgerAdmin
	Ledgers       LedgerLister
	Subscriptions SubscriptionStore
	Reports       ReportAdmin
	HealthChecks  map[string]HealthCheck

	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer

	JWTSecret           []byte
	StripeWebhookSecret string

	// RequestTimeout bounds handler work; zero means 30s
	RequestTimeout time.Duration

	logger *utils.Logger
}

// NewRouter creates the HTTP router with all routes registered
func NewRouter(deps *Dependencies) http.Handler {
	deps.logger = utils.NewLogger("httpapi")

	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestMetrics(deps.Metrics))

	// Public endpoints
	r.Get("/healthz", deps.handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/webhooks/stripe", deps.handleStripeWebhook)

	// Service endpoints
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(timeout))
		r.Use(middleware.RequireRoles(deps.JWTSecret, auth.RoleService))
		r.Post("/v1/usage", deps.handleRecordUsage)
		r.Get("/v1/users/{userID}/spending/check", deps.handleCheckSpending)
	})

	// Admin endpoints: viewers read, admins write
	r.Route("/admin", func(r chi.Router) {
		r.Use(chimw.Timeout(timeout))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRoles(deps.JWTSecret, auth.RoleViewer))
			r.Get("/users/{userID}/ledger", deps.handleGetLedger)
			r.Get("/ledgers/over-threshold", deps.handleListOverThreshold)
			r.Get("/reports/dead-letters", deps.handleListDeadLetters)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRoles(deps.JWTSecret, auth.RoleAdmin))
			r.Put("/users/{userID}/spending-limits", deps.handleUpdateSpendingLimits)
			r.Post("/users/{userID}/rollover", deps.handleRollover)
			r.Post("/reports/dead-letters/{id}/retry", deps.handleRetryDeadLetter)
			r.Post("/reports/redrive", deps.handleRedrive)
		})
	})

	return r
}

// decimalString renders money for JSON responses with two decimals
func decimalString(d decimal.Decimal) string {
	return d.StringFixed(2)
}
