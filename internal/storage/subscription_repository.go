package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ai_billing/internal/models"
)

const subscriptionColumns = `
	user_id, stripe_customer_id, stripe_subscription_id, stripe_subscription_item_id,
	included_credit_amount, status, current_period_start, updated_at`

// SubscriptionRepository handles billing subscription rows with caching
type SubscriptionRepository struct {
	db    *DB
	cache *LRUCache[*models.BillingSubscription]
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *DB) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:    db,
		cache: db.subscriptionCache,
	}
}

// GetByUserID retrieves a user's subscription (with caching)
func (r *SubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*models.BillingSubscription, error) {
	if cached, found := r.cache.Get(userID); found {
		return cached, nil
	}

	query := `SELECT` + subscriptionColumns + `
		FROM billing_subscriptions
		WHERE user_id = $1
	`

	var sub models.BillingSubscription
	if err := r.db.conn.GetContext(ctx, &sub, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	r.cache.Set(userID, &sub)
	return &sub, nil
}

// GetByStripeSubscriptionID retrieves the subscription a webhook refers to
func (r *SubscriptionRepository) GetByStripeSubscriptionID(ctx context.Context, stripeSubscriptionID string) (*models.BillingSubscription, error) {
	query := `SELECT` + subscriptionColumns + `
		FROM billing_subscriptions
		WHERE stripe_subscription_id = $1
	`

	var sub models.BillingSubscription
	if err := r.db.conn.GetContext(ctx, &sub, query, stripeSubscriptionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}

// IncludedAllowance returns the included credit of the user's tier. Users
// without a billable subscription have no allowance.
func (r *SubscriptionRepository) IncludedAllowance(ctx context.Context, userID string) (decimal.Decimal, error) {
	sub, err := r.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	if !sub.Status.IsBillable() {
		return decimal.Zero, nil
	}
	return sub.IncludedCreditAmount, nil
}

// ActiveMeteredItem returns the metered subscription item usage is reported
// against, or ErrSubscriptionNotFound when the user has none
func (r *SubscriptionRepository) ActiveMeteredItem(ctx context.Context, userID string) (string, error) {
	sub, err := r.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !sub.Status.IsBillable() || sub.StripeSubscriptionItemID == "" {
		return "", ErrSubscriptionNotFound
	}
	return sub.StripeSubscriptionItemID, nil
}

// Upsert creates or replaces a user's subscription
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *models.BillingSubscription) error {
	query := `
		INSERT INTO billing_subscriptions (
			user_id, stripe_customer_id, stripe_subscription_id, stripe_subscription_item_id,
			included_credit_amount, status, current_period_start, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			stripe_subscription_item_id = EXCLUDED.stripe_subscription_item_id,
			included_credit_amount = EXCLUDED.included_credit_amount,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			updated_at = NOW()
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		sub.UserID,
		sub.StripeCustomerID,
		sub.StripeSubscriptionID,
		sub.StripeSubscriptionItemID,
		sub.IncludedCreditAmount,
		sub.Status,
		sub.CurrentPeriodStart,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	r.cache.Delete(sub.UserID)
	return nil
}

// UpdateStatus records a status and period change reported by the billing platform
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus, periodStart time.Time) (string, error) {
	query := `
		UPDATE billing_subscriptions
		SET status = $2, current_period_start = $3, updated_at = NOW()
		WHERE stripe_subscription_id = $1
		RETURNING user_id
	`

	var userID string
	if err := r.db.conn.GetContext(ctx, &userID, query, stripeSubscriptionID, status, periodStart); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSubscriptionNotFound
		}
		return "", fmt.Errorf("failed to update subscription status: %w", err)
	}

	r.cache.Delete(userID)
	return userID, nil
}
