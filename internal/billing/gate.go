package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"ai_billing/internal/metrics"
	"ai_billing/internal/models"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

// LedgerReader is the read side of the ledger used by the gate
type LedgerReader interface {
	Get(ctx context.Context, userID string) (*models.SpendingLedger, error)
}

// CheckResult is the outcome of a pre-use check
type CheckResult struct {
	Allowed     bool               `json:"allowed"`
	PercentUsed decimal.Decimal    `json:"percent_used"`
	Remaining   decimal.Decimal    `json:"remaining"`
	Unlimited   bool               `json:"unlimited"`
	State       models.LedgerState `json:"state"`
	Message     string             `json:"message,omitempty"`
}

// Err returns ErrLimitExceeded for a denied check, nil otherwise
func (r CheckResult) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrLimitExceeded, r.Message)
}

// Gate is consulted by AI features before starting paid work. It is
// advisory: the charge after the work still goes through the ledger, so
// concurrent requests just under the limit may all pass.
type Gate struct {
	ledgers  LedgerReader
	failOpen bool
	metrics  *metrics.Collector
	logger   *utils.Logger
}

// NewGate creates a gate. With failOpen, a ledger read error allows the call.
func NewGate(ledgers LedgerReader, failOpen bool, m *metrics.Collector) *Gate {
	return &Gate{
		ledgers:  ledgers,
		failOpen: failOpen,
		metrics:  m,
		logger:   utils.NewLogger("limit-gate"),
	}
}

// CheckBeforeUse reports whether the user may start a paid AI operation
func (g *Gate) CheckBeforeUse(ctx context.Context, userID string) (CheckResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "billing.CheckBeforeUse")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	ledger, err := g.ledgers.Get(ctx, userID)
	if errors.Is(err, storage.ErrLedgerNotFound) {
		g.metrics.RecordGateDecision("allowed")
		return CheckResult{
			Allowed:     true,
			PercentUsed: decimal.Zero,
			Remaining:   decimal.Zero,
			Unlimited:   true,
			State:       models.LedgerStateUnderThreshold,
		}, nil
	}
	if err != nil {
		span.RecordError(err)
		g.metrics.RecordGateDecision("error")
		if !g.failOpen {
			return CheckResult{}, fmt.Errorf("failed to read spending ledger: %w", err)
		}
		g.logger.Error("Ledger read failed, allowing usage", "user_id", userID, "error", err)
		return CheckResult{Allowed: true, PercentUsed: decimal.Zero, Remaining: decimal.Zero, State: models.LedgerStateUnderThreshold}, nil
	}

	result := Evaluate(ledger)
	span.SetAttributes(attribute.Bool("billing.allowed", result.Allowed))
	switch {
	case !result.Allowed:
		g.metrics.RecordGateDecision("denied")
	case result.Message != "":
		g.metrics.RecordGateDecision("warned")
	default:
		g.metrics.RecordGateDecision("allowed")
	}
	return result, nil
}

// Enforce returns ErrLimitExceeded when the user may not start paid work
func (g *Gate) Enforce(ctx context.Context, userID string) error {
	result, err := g.CheckBeforeUse(ctx, userID)
	if err != nil {
		return err
	}
	return result.Err()
}

// Evaluate applies the gate rule to a ledger
func Evaluate(ledger *models.SpendingLedger) CheckResult {
	result := CheckResult{
		Allowed:     true,
		PercentUsed: ledger.PercentUsed(),
		Remaining:   ledger.Remaining(),
		Unlimited:   ledger.IsUnlimited(),
		State:       ledger.State(),
	}
	if result.Unlimited {
		return result
	}

	percent := result.PercentUsed
	switch {
	case ledger.HardLimit && percent.GreaterThanOrEqual(oneHundred):
		result.Allowed = false
		result.Message = fmt.Sprintf(
			"You have reached your monthly AI spending limit of %s. Raise your limit or wait for the next billing cycle to continue.",
			ledger.MonthlyLimitAmount.StringFixed(2))
	case percent.GreaterThanOrEqual(oneHundred):
		result.Message = fmt.Sprintf(
			"You have exceeded your monthly AI spending limit of %s. Usage continues to be billed.",
			ledger.MonthlyLimitAmount.StringFixed(2))
	case percent.GreaterThanOrEqual(ledger.AlertThresholdPercent):
		result.Message = fmt.Sprintf("You have used %s%% of your monthly AI spending limit.", percent.Round(0).String())
	}
	return result
}
