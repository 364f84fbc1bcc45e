package models

import (
	"time"

	"github.com/shopspring/decimal"
)

//
// ChargedEvent (charged_events table, one row per charged usage event)
//

// ChargedEvent journals one applied charge. The row is written by the same
// statement that increments the ledger, so an event id is charged at most
// once, and it stays pending until its overage report reached the queue.
type ChargedEvent struct {
	UserID  string `db:"user_id" json:"user_id"`
	EventID string `db:"event_id" json:"event_id"`

	ModelKey      string          `db:"model_key" json:"model_key"`
	BillingMode   BillingMode     `db:"billing_mode" json:"billing_mode"`
	Feature       string          `db:"feature" json:"feature"`
	CostAmount    decimal.Decimal `db:"cost_amount" json:"cost_amount"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	DefaultMargin bool            `db:"default_margin" json:"default_margin,omitempty"`

	// IncludedAllowance and SpentBefore fix the allowance split of the charge
	IncludedAllowance decimal.Decimal `db:"included_allowance" json:"included_allowance"`
	SpentBefore       decimal.Decimal `db:"spent_before" json:"spent_before"`

	ReportQueuedAt *time.Time `db:"report_queued_at" json:"report_queued_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// ReportPending reports whether the event's overage hand-off is unconfirmed
func (e *ChargedEvent) ReportPending() bool {
	return e.ReportQueuedAt == nil
}
