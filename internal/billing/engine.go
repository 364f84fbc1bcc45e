// Package billing implements usage charging: credit allocation, the
// per-user spending ledger with its threshold latches, the pre-use limit
// gate, and the engine that ties pricing, ledger and overage reporting
// together.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ai_billing/internal/metrics"
	"ai_billing/internal/models"
	"ai_billing/internal/pricing"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

const tracerName = "ai_billing/internal/billing"

// enqueueTimeout bounds the report hand-off after the ledger commit
const enqueueTimeout = 5 * time.Second

// PriceResolver prices a model invocation
type PriceResolver interface {
	ResolveOrFallback(modelKey string, q models.Quantities) (pricing.Quote, error)
}

// AllowanceProvider returns a user's included credit for the current cycle
type AllowanceProvider interface {
	IncludedAllowance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// OverageQueue accepts overage reports for asynchronous delivery
type OverageQueue interface {
	Enqueue(ctx context.Context, report *models.OverageReport) error
}

// UsageSink receives the audit record of every charged invocation
type UsageSink interface {
	Enqueue(event *models.UsageEvent) error
}

// UsageRequest is one successful AI invocation to be charged
type UsageRequest struct {
	// EventID identifies the invocation; generated when empty. An event id
	// is charged once; a repeat returns the first receipt.
	EventID    string            `json:"event_id,omitempty"`
	UserID     string            `json:"user_id"`
	ModelKey   string            `json:"model_key"`
	Feature    string            `json:"feature"`
	Quantities models.Quantities `json:"quantities"`
}

// UsageReceipt describes what a recorded usage did
type UsageReceipt struct {
	EventID         string             `json:"event_id"`
	Quote           pricing.Quote      `json:"quote"`
	Allocation      Allocation         `json:"allocation"`
	BillableUnits   int64              `json:"billable_units"`
	ReportQueued    bool               `json:"report_queued"`
	CurrentSpent    decimal.Decimal    `json:"current_month_spent"`
	PercentUsed     decimal.Decimal    `json:"percent_used"`
	State           models.LedgerState `json:"state"`
	Transition      Transition         `json:"transition"`
	IncludedCredits decimal.Decimal    `json:"included_allowance"`

	// Replayed is set when the event was charged by an earlier call and
	// nothing new was applied
	Replayed bool `json:"replayed,omitempty"`
}

// EngineOptions wires the engine's collaborators. Reports and Audit may be nil.
type EngineOptions struct {
	Resolver   PriceResolver
	Allowances AllowanceProvider
	Ledger     *Ledger
	Reports    OverageQueue
	Audit      UsageSink
	Metrics    *metrics.Collector
}

// Engine records usage: price, charge the ledger, split against the
// allowance, and queue any overage for reporting.
type Engine struct {
	resolver   PriceResolver
	allowances AllowanceProvider
	ledger     *Ledger
	reports    OverageQueue
	audit      UsageSink
	metrics    *metrics.Collector
	logger     *utils.Logger
	now        func() time.Time
	newID      func() string
}

// NewEngine creates an engine
func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		resolver:   opts.Resolver,
		allowances: opts.Allowances,
		ledger:     opts.Ledger,
		reports:    opts.Reports,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		logger:     utils.NewLogger("billing-engine"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// RecordUsage charges one successful invocation. The ledger update and the
// charge journal entry are committed before any reporting is attempted. A
// failed enqueue of the overage report never fails the call; the journal
// keeps the report pending and the ReportRelay queues it later. An error
// means the charge was not applied and the caller may retry with the same
// event id.
func (e *Engine) RecordUsage(ctx context.Context, req UsageRequest) (*UsageReceipt, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "billing.RecordUsage")
	defer span.End()

	if req.UserID == "" || req.ModelKey == "" {
		return nil, fmt.Errorf("%w: user_id and model_key are required", ErrInvalidUsage)
	}
	if req.EventID == "" {
		req.EventID = e.newID()
	}
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("billing.model_key", req.ModelKey),
		attribute.String("billing.feature", req.Feature),
		attribute.String("billing.event_id", req.EventID),
	)

	quote, err := e.resolver.ResolveOrFallback(req.ModelKey, req.Quantities)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, pricing.ErrInvalidQuantities) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUsage, err)
		}
		return nil, err
	}
	if quote.DefaultMarginApplied {
		e.metrics.RecordPricingFallback(req.ModelKey)
	}

	// Looked up before charging so a failure leaves nothing half-applied
	allowance, err := e.allowances.IncludedAllowance(ctx, req.UserID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to look up included allowance: %w", err)
	}

	occurredAt := normalizeTime(e.now())
	charge, err := e.ledger.Charge(ctx, &models.ChargedEvent{
		UserID:            req.UserID,
		EventID:           req.EventID,
		ModelKey:          quote.ModelKey,
		BillingMode:       quote.BillingMode,
		Feature:           req.Feature,
		CostAmount:        quote.CostAmount,
		Amount:            quote.PriceAmount,
		DefaultMargin:     quote.DefaultMarginApplied,
		IncludedAllowance: allowance,
		CreatedAt:         occurredAt,
	})
	if errors.Is(err, storage.ErrEventAlreadyCharged) {
		span.SetAttributes(attribute.Bool("billing.replayed", true))
		return e.replay(ctx, req)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.metrics.RecordCharge(req.Feature, quote.PriceAmount, quote.DefaultMarginApplied)

	// spentSoFar comes from the atomic increment, so concurrent charges
	// each see a distinct slice of the allowance
	allocation := Allocate(quote.PriceAmount, allowance, charge.SpentBefore(quote.PriceAmount))

	receipt := &UsageReceipt{
		EventID:         req.EventID,
		Quote:           quote,
		Allocation:      allocation,
		BillableUnits:   allocation.BillableUnits(),
		CurrentSpent:    charge.Ledger.CurrentMonthSpent,
		PercentUsed:     charge.Ledger.PercentUsed(),
		State:           charge.Ledger.State(),
		Transition:      charge.Transition,
		IncludedCredits: allowance,
	}

	if receipt.BillableUnits > 0 {
		receipt.ReportQueued = e.queueOverage(ctx, newOverageReport(req.UserID, req.EventID, allocation.Overage, occurredAt))
	}

	e.emitAudit(req, quote, allocation, occurredAt)

	e.logger.Debug("Usage recorded",
		"user_id", req.UserID,
		"event_id", req.EventID,
		"model_key", req.ModelKey,
		"price", quote.PriceAmount.String(),
		"overage", allocation.Overage.String(),
		"state", receipt.State,
	)
	return receipt, nil
}

// replay rebuilds the receipt of an event charged by an earlier call. The
// ledger figures are current, not as of the first charge.
func (e *Engine) replay(ctx context.Context, req UsageRequest) (*UsageReceipt, error) {
	event, err := e.ledger.ChargedEvent(ctx, req.UserID, req.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load charged event: %w", err)
	}
	ledger, err := e.ledger.Get(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger of charged event: %w", err)
	}

	allocation := Allocate(event.Amount, event.IncludedAllowance, event.SpentBefore)
	receipt := &UsageReceipt{
		EventID: event.EventID,
		Quote: pricing.Quote{
			ModelKey:             event.ModelKey,
			BillingMode:          event.BillingMode,
			CostAmount:           event.CostAmount,
			PriceAmount:          event.Amount,
			DefaultMarginApplied: event.DefaultMargin,
		},
		Allocation:      allocation,
		BillableUnits:   allocation.BillableUnits(),
		CurrentSpent:    ledger.CurrentMonthSpent,
		PercentUsed:     ledger.PercentUsed(),
		State:           ledger.State(),
		Transition:      TransitionNone,
		IncludedCredits: event.IncludedAllowance,
		Replayed:        true,
	}
	receipt.ReportQueued = receipt.BillableUnits > 0 && !event.ReportPending()

	e.logger.Info("Usage event already charged, returning its receipt",
		"user_id", req.UserID,
		"event_id", req.EventID,
		"price", event.Amount.String(),
	)
	return receipt, nil
}

func newOverageReport(userID, eventID string, overage decimal.Decimal, occurredAt time.Time) *models.OverageReport {
	return &models.OverageReport{
		UserID:         userID,
		UsageEventID:   eventID,
		Amount:         overage,
		IdempotencyKey: models.OverageIdempotencyKey(userID, eventID),
		OccurredAt:     occurredAt,
	}
}

// queueOverage hands the report to the queue and confirms the hand-off in
// the journal. It runs detached from the caller's cancellation because the
// charge it belongs to is already committed.
func (e *Engine) queueOverage(ctx context.Context, report *models.OverageReport) bool {
	if e.reports == nil {
		e.logger.Warn("No report queue configured, overage left pending", "user_id", report.UserID, "event_id", report.UsageEventID)
		return false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	if err := e.reports.Enqueue(ctx, report); err != nil {
		e.logger.Error("Failed to queue overage report, left pending for relay",
			"user_id", report.UserID,
			"event_id", report.UsageEventID,
			"overage", report.Amount.String(),
			"error", err,
		)
		return false
	}
	e.metrics.RecordOverage(report.Amount)

	if err := e.ledger.ConfirmReportQueued(ctx, report.UserID, report.UsageEventID); err != nil {
		// The relay queues it again under the same idempotency key
		e.logger.Warn("Failed to confirm queued overage report", "event_id", report.UsageEventID, "error", err)
	}
	return true
}

func (e *Engine) emitAudit(req UsageRequest, quote pricing.Quote, allocation Allocation, at time.Time) {
	if e.audit == nil {
		return
	}
	event := &models.UsageEvent{
		ID:                  req.EventID,
		UserID:              req.UserID,
		ModelKey:            req.ModelKey,
		Feature:             req.Feature,
		Quantity:            req.Quantities,
		ComputedCostAmount:  quote.CostAmount,
		ComputedPriceAmount: quote.PriceAmount,
		FromIncluded:        allocation.FromIncluded,
		Overage:             allocation.Overage,
		DefaultMargin:       quote.DefaultMarginApplied,
		Timestamp:           at,
	}
	if err := e.audit.Enqueue(event); err != nil {
		e.logger.Warn("Failed to enqueue usage audit event", "event_id", req.EventID, "error", err)
	}
}
