package reporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/usagerecord"
)

// UsageRecord is one metered-usage submission
type UsageRecord struct {
	SubscriptionItemID string
	Quantity           int64
	Timestamp          time.Time
	IdempotencyKey     string
}

// Submitter sends usage records to the external billing platform. The
// platform must de-duplicate by IdempotencyKey.
type Submitter interface {
	Submit(ctx context.Context, rec UsageRecord) (string, error)
}

// StripeConfig configures the Stripe usage record client
type StripeConfig struct {
	SecretKey string

	// APIURL overrides the Stripe API base URL, for tests and proxies
	APIURL string

	// Timeout bounds one HTTP call to Stripe
	Timeout time.Duration
}

// StripeSubmitter reports usage with increment usage records. Calls go
// through a circuit breaker so a Stripe outage fails fast instead of
// stalling the worker.
type StripeSubmitter struct {
	client  usagerecord.Client
	breaker *gobreaker.CircuitBreaker
}

// NewStripeSubmitter creates a submitter with its own Stripe backend
func NewStripeSubmitter(cfg StripeConfig) *StripeSubmitter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
		// Retries belong to the report worker, which keeps the idempotency key
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripe.String(cfg.APIURL)
	}

	return &StripeSubmitter{
		client: usagerecord.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
			Key: cfg.SecretKey,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "stripe-usage-records",
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A rejected or already reported record says nothing about Stripe's health
			IsSuccessful: func(err error) bool {
				return err == nil || IsPermanent(err) || errors.Is(err, ErrAlreadyReported)
			},
		}),
	}
}

// Submit creates an increment usage record
func (s *StripeSubmitter) Submit(ctx context.Context, rec UsageRecord) (string, error) {
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(rec.SubscriptionItemID),
		Quantity:         stripe.Int64(rec.Quantity),
		Timestamp:        stripe.Int64(rec.Timestamp.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionIncrement)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(rec.IdempotencyKey)

	result, err := s.breaker.Execute(func() (interface{}, error) {
		record, err := s.client.New(params)
		if err != nil {
			return nil, classifyStripeError(err)
		}
		return record, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrReportingUnavailable, err)
		}
		return "", err
	}

	return result.(*stripe.UsageRecord).ID, nil
}

// BreakerState exposes the circuit state for health reporting
func (s *StripeSubmitter) BreakerState() string {
	return s.breaker.State().String()
}

// classifyStripeError splits Stripe failures into retryable and permanent.
// An idempotency error outside a 409 means the key was already used for a
// record, which is reported as ErrAlreadyReported.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeIdempotency && stripeErr.HTTPStatusCode != http.StatusConflict:
			return fmt.Errorf("%w: %v", ErrAlreadyReported, err)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode == http.StatusConflict,
			stripeErr.HTTPStatusCode >= 500,
			stripeErr.HTTPStatusCode == 0:
			return fmt.Errorf("%w: %v", ErrReportingUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", ErrReportRejected, err)
		}
	}
	// Transport errors and timeouts
	return fmt.Errorf("%w: %v", ErrReportingUnavailable, err)
}
