// Package reporter delivers overage amounts to the external billing
// platform as idempotent metered-usage records, retrying through a queue
// and parking undeliverable reports in a dead letter queue.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ai_billing/internal/billing"
	"ai_billing/internal/metrics"
	"ai_billing/internal/models"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

const tracerName = "ai_billing/internal/reporter"

// ItemResolver finds the metered subscription item of a user
type ItemResolver interface {
	ActiveMeteredItem(ctx context.Context, userID string) (string, error)
}

// ReportResult describes what one report attempt did
type ReportResult struct {
	// Skipped is set when the overage rounds to zero billable units
	Skipped bool `json:"skipped"`

	// Duplicate is set when the key was already delivered
	Duplicate bool `json:"duplicate"`

	Quantity           int64  `json:"quantity"`
	SubscriptionItemID string `json:"subscription_item_id,omitempty"`
	RecordID           string `json:"record_id,omitempty"`
}

// Reporter turns overage amounts into usage records
type Reporter struct {
	items     ItemResolver
	submitter Submitter
	dedupe    Deduper
	metrics   *metrics.Collector
	logger    *utils.Logger
	now       func() time.Time
}

// NewReporter creates a reporter. dedupe may be nil, in which case only the
// platform's own idempotency handling protects against double billing.
func NewReporter(items ItemResolver, submitter Submitter, dedupe Deduper, m *metrics.Collector) *Reporter {
	return &Reporter{
		items:     items,
		submitter: submitter,
		dedupe:    dedupe,
		metrics:   m,
		logger:    utils.NewLogger("usage-reporter"),
		now:       time.Now,
	}
}

// Report delivers a queued overage report
func (r *Reporter) Report(ctx context.Context, report *models.OverageReport) (*ReportResult, error) {
	return r.ReportOverage(ctx, report.UserID, report.Amount, report.IdempotencyKey, report.OccurredAt)
}

// ReportOverage submits overage, converted to cents with one half-up
// rounding, against the user's metered subscription item, stamped with
// occurredAt. Retries must pass the same occurredAt so every attempt under
// idempotencyKey carries identical parameters; submitting the key again
// never bills twice. A zero occurredAt is stamped with the current time.
func (r *Reporter) ReportOverage(ctx context.Context, userID string, overage decimal.Decimal, idempotencyKey string, occurredAt time.Time) (*ReportResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reporter.ReportOverage")
	defer span.End()

	quantity := billing.ToMinorUnits(overage)
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("billing.idempotency_key", idempotencyKey),
		attribute.Int64("billing.quantity", quantity),
	)

	if quantity <= 0 {
		r.metrics.RecordReport("skipped", 0)
		return &ReportResult{Skipped: true}, nil
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrReportRejected)
	}

	if r.dedupe != nil {
		seen, err := r.dedupe.Seen(ctx, idempotencyKey)
		if err != nil {
			// The platform still de-duplicates by key, so keep going
			r.logger.Warn("Report marker lookup failed", "key", idempotencyKey, "error", err)
		} else if seen {
			r.metrics.RecordReport("duplicate", 0)
			return &ReportResult{Duplicate: true, Quantity: quantity}, nil
		}
	}

	itemID, err := r.items.ActiveMeteredItem(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordReport("rejected", 0)
		if errors.Is(err, storage.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("%w: user %s has no metered subscription item", ErrReportRejected, userID)
		}
		return nil, fmt.Errorf("%w: subscription lookup failed: %v", ErrReportingUnavailable, err)
	}

	if occurredAt.IsZero() {
		occurredAt = r.now()
	}

	start := r.now()
	recordID, err := r.submitter.Submit(ctx, UsageRecord{
		SubscriptionItemID: itemID,
		Quantity:           quantity,
		Timestamp:          occurredAt,
		IdempotencyKey:     idempotencyKey,
	})
	took := r.now().Sub(start)
	if errors.Is(err, ErrAlreadyReported) {
		// An earlier attempt got through but its response was lost
		r.metrics.RecordReport("duplicate", took)
		r.markReported(ctx, idempotencyKey, "")
		r.logger.Info("Overage already reported under key", "user_id", userID, "key", idempotencyKey)
		return &ReportResult{Duplicate: true, Quantity: quantity, SubscriptionItemID: itemID}, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		outcome := "unavailable"
		if IsPermanent(err) {
			outcome = "rejected"
		}
		r.metrics.RecordReport(outcome, took)
		return nil, err
	}
	r.metrics.RecordReport("delivered", took)

	r.markReported(ctx, idempotencyKey, recordID)

	r.logger.Info("Overage reported",
		"user_id", userID,
		"quantity", quantity,
		"subscription_item", itemID,
		"record_id", recordID,
	)

	return &ReportResult{
		Quantity:           quantity,
		SubscriptionItemID: itemID,
		RecordID:           recordID,
	}, nil
}

func (r *Reporter) markReported(ctx context.Context, idempotencyKey, recordID string) {
	if r.dedupe == nil {
		return
	}
	if err := r.dedupe.Mark(ctx, idempotencyKey, recordID); err != nil {
		r.logger.Warn("Failed to store report marker", "key", idempotencyKey, "error", err)
	}
}
