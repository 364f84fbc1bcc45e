package billing

import (
	"github.com/shopspring/decimal"

	"ai_billing/internal/models"
)

// Transition is the latch a charge should attempt after updating the ledger
type Transition string

const (
	TransitionNone     Transition = "none"
	TransitionAlert    Transition = "alert_sent"
	TransitionLimitHit Transition = "limit_hit"
)

var oneHundred = decimal.NewFromInt(100)

// EvaluateTransition applies the threshold rule to a ledger whose spend
// already includes the new charge. LIMIT_HIT wins over ALERT_SENT and is
// only reachable with a hard limit; latches already set are never re-fired.
func EvaluateTransition(ledger *models.SpendingLedger) Transition {
	if ledger.IsUnlimited() {
		return TransitionNone
	}
	percentUsed := ledger.PercentUsed()

	if percentUsed.GreaterThanOrEqual(oneHundred) && ledger.HardLimit && ledger.LimitHitAt == nil {
		return TransitionLimitHit
	} else if percentUsed.GreaterThanOrEqual(ledger.AlertThresholdPercent) && ledger.AlertSentAt == nil {
		return TransitionAlert
	}
	return TransitionNone
}
