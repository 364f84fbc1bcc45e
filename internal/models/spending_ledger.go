package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerState is the threshold state of a ledger within one billing cycle
type LedgerState string

const (
	LedgerStateUnderThreshold LedgerState = "UNDER_THRESHOLD"
	LedgerStateAlertSent      LedgerState = "ALERT_SENT"
	LedgerStateLimitHit       LedgerState = "LIMIT_HIT"
)

var hundred = decimal.NewFromInt(100)

//
// SpendingLedger (spending_ledgers table, one row per user)
//

type SpendingLedger struct {
	UserID string `db:"user_id" json:"user_id"`

	MonthlyLimitAmount    decimal.Decimal `db:"monthly_limit_amount" json:"monthly_limit_amount"`
	CurrentMonthSpent     decimal.Decimal `db:"current_month_spent" json:"current_month_spent"`
	AlertThresholdPercent decimal.Decimal `db:"alert_threshold_percent" json:"alert_threshold_percent"`
	HardLimit             bool            `db:"hard_limit" json:"hard_limit"`

	// Write-once per cycle latches
	AlertSentAt *time.Time `db:"alert_sent_at" json:"alert_sent_at,omitempty"`
	LimitHitAt  *time.Time `db:"limit_hit_at" json:"limit_hit_at,omitempty"`

	CycleStartedAt time.Time `db:"cycle_started_at" json:"cycle_started_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// IsUnlimited reports whether the ledger has no positive monthly cap
func (l *SpendingLedger) IsUnlimited() bool {
	return !l.MonthlyLimitAmount.IsPositive()
}

// PercentUsed returns currentMonthSpent / monthlyLimitAmount * 100.
// A ledger without a positive limit always reports 0.
func (l *SpendingLedger) PercentUsed() decimal.Decimal {
	if l.IsUnlimited() {
		return decimal.Zero
	}
	return l.CurrentMonthSpent.Div(l.MonthlyLimitAmount).Mul(hundred)
}

// Remaining returns the unspent part of the monthly limit, never negative
func (l *SpendingLedger) Remaining() decimal.Decimal {
	if l.IsUnlimited() {
		return decimal.Zero
	}
	remaining := l.MonthlyLimitAmount.Sub(l.CurrentMonthSpent)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// State derives the threshold state from the latches
func (l *SpendingLedger) State() LedgerState {
	switch {
	case l.LimitHitAt != nil:
		return LedgerStateLimitHit
	case l.AlertSentAt != nil:
		return LedgerStateAlertSent
	default:
		return LedgerStateUnderThreshold
	}
}

// SpendingPreferences are the user-controlled limit settings of a ledger
type SpendingPreferences struct {
	MonthlyLimitAmount    decimal.Decimal `json:"monthly_limit_amount"`
	AlertThresholdPercent decimal.Decimal `json:"alert_threshold_percent"`
	HardLimit             bool            `json:"hard_limit"`
}

// Validate checks that the limit is not negative and the threshold is within (0, 100]
func (p SpendingPreferences) Validate() error {
	if p.MonthlyLimitAmount.IsNegative() {
		return ErrInvalidPreferences("monthly_limit_amount must not be negative")
	}
	if !p.AlertThresholdPercent.IsPositive() || p.AlertThresholdPercent.GreaterThan(hundred) {
		return ErrInvalidPreferences("alert_threshold_percent must be within (0, 100]")
	}
	return nil
}

// ErrInvalidPreferences describes a rejected preferences update
type ErrInvalidPreferences string

func (e ErrInvalidPreferences) Error() string {
	return "invalid spending preferences: " + string(e)
}
