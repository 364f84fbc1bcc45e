package billing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"ai_billing/internal/metrics"
	"ai_billing/internal/models"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

// LedgerStore persists spending ledgers and the journal of charged events.
// ApplyCharge must create-or-increment and journal the event in one atomic
// statement, return the row after the increment, and fail with
// storage.ErrEventAlreadyCharged for a journaled event. The Mark* latches
// must be conditional writes that report whether this caller set them.
type LedgerStore interface {
	ApplyCharge(ctx context.Context, event *models.ChargedEvent, defaults models.SpendingPreferences, cycleStart time.Time) (*models.SpendingLedger, error)
	ChargedEvent(ctx context.Context, userID, eventID string) (*models.ChargedEvent, error)
	MarkReportQueued(ctx context.Context, userID, eventID string, at time.Time) error
	PendingReports(ctx context.Context, cutoff time.Time, limit int) ([]*models.ChargedEvent, error)
	PruneChargedEvents(ctx context.Context, cutoff time.Time) (int64, error)
	MarkAlertSent(ctx context.Context, userID string, cycleStartedAt, at time.Time) (bool, error)
	MarkLimitHit(ctx context.Context, userID string, cycleStartedAt, at time.Time) (bool, error)
	Get(ctx context.Context, userID string) (*models.SpendingLedger, error)
	ResetCycle(ctx context.Context, userID string, cycleStart time.Time) (bool, error)
	UpdatePreferences(ctx context.Context, userID string, prefs models.SpendingPreferences, cycleStart time.Time) (*models.SpendingLedger, error)
}

// LedgerConfig holds ledger defaults and retry settings
type LedgerConfig struct {
	// Defaults apply to ledgers created lazily by a first charge
	Defaults models.SpendingPreferences

	// MaxConflictRetries bounds retries of a conflicting increment
	MaxConflictRetries int

	// ConflictBackoff is the base delay between conflict retries
	ConflictBackoff time.Duration
}

// DefaultLedgerConfig returns a 100.00 soft limit alerting at 80%
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Defaults: models.SpendingPreferences{
			MonthlyLimitAmount:    decimal.NewFromInt(100),
			AlertThresholdPercent: decimal.NewFromInt(80),
			HardLimit:             false,
		},
		MaxConflictRetries: 5,
		ConflictBackoff:    10 * time.Millisecond,
	}
}

// ChargeResult is the ledger after a charge and the latch this charge set
type ChargeResult struct {
	Ledger     *models.SpendingLedger
	Transition Transition
}

// SpentBefore returns the cycle spend excluding this charge
func (r *ChargeResult) SpentBefore(amount decimal.Decimal) decimal.Decimal {
	return r.Ledger.CurrentMonthSpent.Sub(amount)
}

// Ledger owns the per-user spend accumulator and its threshold state machine
type Ledger struct {
	store   LedgerStore
	alerter Alerter
	config  LedgerConfig
	metrics *metrics.Collector
	logger  *utils.Logger
	now     func() time.Time
}

// NewLedger creates a ledger service
func NewLedger(store LedgerStore, alerter Alerter, config LedgerConfig, m *metrics.Collector) *Ledger {
	if alerter == nil {
		alerter = NewLogAlerter()
	}
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}
	return &Ledger{
		store:   store,
		alerter: alerter,
		config:  config,
		metrics: m,
		logger:  utils.NewLogger("ledger"),
		now:     time.Now,
	}
}

// Charge atomically adds the event's amount to the user's ledger, creating it
// when missing, then evaluates the threshold rule and sets at most one latch.
// Latch failures are logged; the committed charge is never undone. An event
// charged before fails with storage.ErrEventAlreadyCharged.
func (l *Ledger) Charge(ctx context.Context, event *models.ChargedEvent) (*ChargeResult, error) {
	if event.UserID == "" || event.EventID == "" {
		return nil, fmt.Errorf("%w: charge needs a user and an event id", ErrInvalidUsage)
	}
	userID := event.UserID

	ledger, err := l.applyWithRetry(ctx, event)
	if err != nil {
		return nil, err
	}

	result := &ChargeResult{Ledger: ledger, Transition: TransitionNone}
	transition := EvaluateTransition(ledger)
	if transition == TransitionNone {
		return result, nil
	}

	at := l.now().UTC()
	var won bool
	switch transition {
	case TransitionLimitHit:
		won, err = l.store.MarkLimitHit(ctx, userID, ledger.CycleStartedAt, at)
		if won {
			ledger.LimitHitAt = &at
		}
	case TransitionAlert:
		won, err = l.store.MarkAlertSent(ctx, userID, ledger.CycleStartedAt, at)
		if won {
			ledger.AlertSentAt = &at
		}
	}
	if err != nil {
		l.logger.Error("Failed to set ledger latch", "user_id", userID, "transition", transition, "error", err)
		return result, nil
	}
	if !won {
		// Another concurrent charge set the latch first
		return result, nil
	}

	result.Transition = transition
	l.metrics.RecordTransition(string(transition))
	l.notify(ctx, transition, ledger)
	return result, nil
}

func (l *Ledger) applyWithRetry(ctx context.Context, event *models.ChargedEvent) (*models.SpendingLedger, error) {
	var lastErr error
	for attempt := 0; attempt <= l.config.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			l.metrics.RecordLedgerConflict()
			if err := sleepCtx(ctx, jitter(l.config.ConflictBackoff, attempt)); err != nil {
				return nil, err
			}
		}

		ledger, err := l.store.ApplyCharge(ctx, event, l.config.Defaults, l.cycleStart())
		if err == nil {
			return ledger, nil
		}
		if errors.Is(err, storage.ErrEventAlreadyCharged) {
			return nil, err
		}
		if !errors.Is(err, storage.ErrLedgerWriteConflict) {
			return nil, fmt.Errorf("failed to apply charge: %w", err)
		}
		lastErr = err
		l.logger.Debug("Ledger write conflict, retrying", "user_id", event.UserID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("failed to apply charge after %d attempts: %w", l.config.MaxConflictRetries+1, lastErr)
}

func (l *Ledger) notify(ctx context.Context, transition Transition, ledger *models.SpendingLedger) {
	event := AlertEvent{
		UserID:       ledger.UserID,
		Kind:         transition,
		PercentUsed:  ledger.PercentUsed(),
		Spent:        ledger.CurrentMonthSpent,
		MonthlyLimit: ledger.MonthlyLimitAmount,
		HardLimit:    ledger.HardLimit,
		At:           l.now().UTC(),
	}
	if err := l.alerter.Notify(ctx, event); err != nil {
		l.logger.Error("Failed to deliver spending alert", "user_id", ledger.UserID, "kind", transition, "error", err)
	}
}

// ChargedEvent returns the journal entry of an applied charge or
// storage.ErrChargedEventNotFound
func (l *Ledger) ChargedEvent(ctx context.Context, userID, eventID string) (*models.ChargedEvent, error) {
	return l.store.ChargedEvent(ctx, userID, eventID)
}

// ConfirmReportQueued records that an event's overage report is on the queue
func (l *Ledger) ConfirmReportQueued(ctx context.Context, userID, eventID string) error {
	return l.store.MarkReportQueued(ctx, userID, eventID, normalizeTime(l.now()))
}

// Get returns a user's ledger or storage.ErrLedgerNotFound
func (l *Ledger) Get(ctx context.Context, userID string) (*models.SpendingLedger, error) {
	return l.store.Get(ctx, userID)
}

// Rollover starts a new billing cycle for a user. It is a no-op when the
// ledger is missing or already on a cycle that started at or after cycleStart.
func (l *Ledger) Rollover(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	reset, err := l.store.ResetCycle(ctx, userID, normalizeTime(cycleStart))
	if err != nil {
		return false, fmt.Errorf("failed to reset ledger: %w", err)
	}
	if reset {
		l.logger.Info("Billing cycle rolled over", "user_id", userID, "cycle_start", cycleStart)
	}
	return reset, nil
}

// UpdatePreferences validates and stores a user's limit settings, creating
// the ledger when missing. Latches of the current cycle are kept.
func (l *Ledger) UpdatePreferences(ctx context.Context, userID string, prefs models.SpendingPreferences) (*models.SpendingLedger, error) {
	if err := prefs.Validate(); err != nil {
		return nil, err
	}
	return l.store.UpdatePreferences(ctx, userID, prefs, l.cycleStart())
}

// cycleStart is the cycle start stamped on newly created ledgers
func (l *Ledger) cycleStart() time.Time {
	return normalizeTime(l.now())
}

// normalizeTime matches Postgres timestamptz precision so cycle comparisons
// round-trip exactly.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func jitter(base time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt-1))
	if backoff <= 0 {
		return 0
	}
	return backoff/2 + rand.N(backoff/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
