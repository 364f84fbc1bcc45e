package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ai_billing/internal/models"
)

const ledgerColumns = `
	user_id, monthly_limit_amount, current_month_spent, alert_threshold_percent, hard_limit,
	alert_sent_at, limit_hit_at, cycle_started_at, created_at, updated_at`

// LedgerRepository handles spending ledger rows. Every write is a single
// statement so concurrent charges for one user never lose an update.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ApplyCharge creates the ledger with defaults if missing, adds the event's
// amount to current_month_spent and journals the event, all in one statement.
// It returns the row after the increment, or ErrEventAlreadyCharged without
// touching the ledger when the journal already holds the event.
func (r *LedgerRepository) ApplyCharge(ctx context.Context, event *models.ChargedEvent, defaults models.SpendingPreferences, cycleStart time.Time) (*models.SpendingLedger, error) {
	query := `
		WITH charged AS (
			INSERT INTO spending_ledgers (
				user_id, monthly_limit_amount, current_month_spent, alert_threshold_percent,
				hard_limit, cycle_started_at, created_at, updated_at
			)
			SELECT $1::text, $2::numeric, $3::numeric, $4::numeric, $5::boolean, $6::timestamptz, NOW(), NOW()
			WHERE NOT EXISTS (
				SELECT 1 FROM charged_events WHERE user_id = $1::text AND event_id = $7::text
			)
			ON CONFLICT (user_id) DO UPDATE
			SET current_month_spent = spending_ledgers.current_month_spent + EXCLUDED.current_month_spent,
				updated_at = NOW()
			RETURNING` + ledgerColumns + `
		), journal AS (
			INSERT INTO charged_events (
				user_id, event_id, model_key, billing_mode, feature, cost_amount, amount,
				default_margin, included_allowance, spent_before, created_at
			)
			SELECT user_id, $7::text, $8::text, $14::text, $9::text, $10::numeric, $3::numeric,
				$11::boolean, $12::numeric, current_month_spent - $3::numeric, $13::timestamptz
			FROM charged
		)
		SELECT` + ledgerColumns + `
		FROM charged`

	var ledger models.SpendingLedger
	err := r.db.conn.GetContext(ctx, &ledger, query,
		event.UserID,
		defaults.MonthlyLimitAmount,
		event.Amount,
		defaults.AlertThresholdPercent,
		defaults.HardLimit,
		cycleStart,
		event.EventID,
		event.ModelKey,
		event.Feature,
		event.CostAmount,
		event.DefaultMargin,
		event.IncludedAllowance,
		event.CreatedAt,
		string(event.BillingMode),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventAlreadyCharged
		}
		return nil, fmt.Errorf("failed to apply charge: %w", classifyWriteError(err))
	}

	return &ledger, nil
}

const chargedEventColumns = `
	user_id, event_id, model_key, billing_mode, feature, cost_amount, amount,
	default_margin, included_allowance, spent_before, report_queued_at, created_at`

// ChargedEvent returns the journal entry of an applied charge
func (r *LedgerRepository) ChargedEvent(ctx context.Context, userID, eventID string) (*models.ChargedEvent, error) {
	query := `SELECT` + chargedEventColumns + `
		FROM charged_events
		WHERE user_id = $1 AND event_id = $2
	`

	var event models.ChargedEvent
	err := r.db.conn.GetContext(ctx, &event, query, userID, eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChargedEventNotFound
		}
		return nil, fmt.Errorf("failed to get charged event: %w", err)
	}

	return &event, nil
}

// MarkReportQueued records that the event's overage report reached the queue
func (r *LedgerRepository) MarkReportQueued(ctx context.Context, userID, eventID string, at time.Time) error {
	query := `
		UPDATE charged_events
		SET report_queued_at = $3
		WHERE user_id = $1 AND event_id = $2 AND report_queued_at IS NULL
	`

	if _, err := r.db.conn.ExecContext(ctx, query, userID, eventID, at); err != nil {
		return fmt.Errorf("failed to mark report queued: %w", err)
	}
	return nil
}

// PendingReports returns journal entries created before cutoff whose report
// hand-off was never confirmed, oldest first
func (r *LedgerRepository) PendingReports(ctx context.Context, cutoff time.Time, limit int) ([]*models.ChargedEvent, error) {
	query := `SELECT` + chargedEventColumns + `
		FROM charged_events
		WHERE report_queued_at IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`

	var events []*models.ChargedEvent
	if err := r.db.conn.SelectContext(ctx, &events, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending reports: %w", err)
	}

	return events, nil
}

// PruneChargedEvents deletes settled journal entries created before cutoff.
// Event ids older than that are no longer recognised as repeats.
func (r *LedgerRepository) PruneChargedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM charged_events
		WHERE report_queued_at IS NOT NULL AND created_at < $1
	`

	result, err := r.db.conn.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune charged events: %w", err)
	}

	return result.RowsAffected()
}

// MarkAlertSent sets alert_sent_at if it is unset and the cycle still matches.
// Returns true only for the caller whose update took effect.
func (r *LedgerRepository) MarkAlertSent(ctx context.Context, userID string, cycleStartedAt, at time.Time) (bool, error) {
	query := `
		UPDATE spending_ledgers
		SET alert_sent_at = $2, updated_at = NOW()
		WHERE user_id = $1 AND alert_sent_at IS NULL AND cycle_started_at = $3
	`
	return r.execLatch(ctx, "alert", query, userID, at, cycleStartedAt)
}

// MarkLimitHit sets limit_hit_at if it is unset and the cycle still matches
func (r *LedgerRepository) MarkLimitHit(ctx context.Context, userID string, cycleStartedAt, at time.Time) (bool, error) {
	query := `
		UPDATE spending_ledgers
		SET limit_hit_at = $2, updated_at = NOW()
		WHERE user_id = $1 AND limit_hit_at IS NULL AND cycle_started_at = $3
	`
	return r.execLatch(ctx, "limit", query, userID, at, cycleStartedAt)
}

func (r *LedgerRepository) execLatch(ctx context.Context, name, query string, args ...interface{}) (bool, error) {
	result, err := r.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to set %s latch: %w", name, classifyWriteError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// Get retrieves a user's ledger
func (r *LedgerRepository) Get(ctx context.Context, userID string) (*models.SpendingLedger, error) {
	query := `SELECT` + ledgerColumns + `
		FROM spending_ledgers
		WHERE user_id = $1
	`

	var ledger models.SpendingLedger
	err := r.db.conn.GetContext(ctx, &ledger, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLedgerNotFound
		}
		return nil, fmt.Errorf("failed to get spending ledger: %w", err)
	}

	return &ledger, nil
}

// ResetCycle zeroes the spend and clears both latches when cycleStart is
// newer than the stored cycle. Replaying the same rollover is a no-op.
func (r *LedgerRepository) ResetCycle(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	query := `
		UPDATE spending_ledgers
		SET current_month_spent = 0,
			alert_sent_at = NULL,
			limit_hit_at = NULL,
			cycle_started_at = $2,
			updated_at = NOW()
		WHERE user_id = $1 AND cycle_started_at < $2
	`

	result, err := r.db.conn.ExecContext(ctx, query, userID, cycleStart)
	if err != nil {
		return false, fmt.Errorf("failed to reset cycle: %w", classifyWriteError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// UpdatePreferences upserts the user's limit settings without touching spend or latches
func (r *LedgerRepository) UpdatePreferences(ctx context.Context, userID string, prefs models.SpendingPreferences, cycleStart time.Time) (*models.SpendingLedger, error) {
	query := `
		INSERT INTO spending_ledgers (
			user_id, monthly_limit_amount, current_month_spent, alert_threshold_percent,
			hard_limit, cycle_started_at, created_at, updated_at
		) VALUES ($1, $2, 0, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET monthly_limit_amount = EXCLUDED.monthly_limit_amount,
			alert_threshold_percent = EXCLUDED.alert_threshold_percent,
			hard_limit = EXCLUDED.hard_limit,
			updated_at = NOW()
		RETURNING` + ledgerColumns

	var ledger models.SpendingLedger
	err := r.db.conn.GetContext(ctx, &ledger, query,
		userID,
		prefs.MonthlyLimitAmount,
		prefs.AlertThresholdPercent,
		prefs.HardLimit,
		cycleStart,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update spending preferences: %w", classifyWriteError(err))
	}

	return &ledger, nil
}

// ListOverThreshold returns ledgers whose spend is at or above their alert
// threshold in the current cycle, highest usage first
func (r *LedgerRepository) ListOverThreshold(ctx context.Context, limit int) ([]*models.SpendingLedger, error) {
	query := `SELECT` + ledgerColumns + `
		FROM spending_ledgers
		WHERE monthly_limit_amount > 0
			AND current_month_spent * 100 >= monthly_limit_amount * alert_threshold_percent
		ORDER BY current_month_spent / monthly_limit_amount DESC
		LIMIT $1
	`

	var ledgers []*models.SpendingLedger
	if err := r.db.conn.SelectContext(ctx, &ledgers, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}

	return ledgers, nil
}
