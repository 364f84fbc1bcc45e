package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus mirrors the external billing platform's subscription status
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// IsBillable reports whether usage can be metered against the subscription
func (s SubscriptionStatus) IsBillable() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

//
// BillingSubscription (billing_subscriptions table)
//

// BillingSubscription links a user to their subscription tier and metered line item
type BillingSubscription struct {
	UserID                   string             `db:"user_id" json:"user_id"`
	StripeCustomerID         string             `db:"stripe_customer_id" json:"stripe_customer_id"`
	StripeSubscriptionID     string             `db:"stripe_subscription_id" json:"stripe_subscription_id"`
	StripeSubscriptionItemID string             `db:"stripe_subscription_item_id" json:"stripe_subscription_item_id"`
	IncludedCreditAmount     decimal.Decimal    `db:"included_credit_amount" json:"included_credit_amount"`
	Status                   SubscriptionStatus `db:"status" json:"status"`
	CurrentPeriodStart       *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	UpdatedAt                time.Time          `db:"updated_at" json:"updated_at"`
}

// OverageReport is one pending metered-usage report. It travels through the
// report queue as JSON.
type OverageReport struct {
	UserID         string          `json:"user_id"`
	UsageEventID   string          `json:"usage_event_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Redrives       int             `json:"redrives"`
}

// OverageIdempotencyKey derives the reporting key of a usage event
func OverageIdempotencyKey(userID, usageEventID string) string {
	return "usage:" + userID + ":" + usageEventID
}
