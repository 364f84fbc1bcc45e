package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ai_billing/internal/models"
	"ai_billing/internal/storage"
)

// MemoryLedgerStore implements LedgerStore in process memory. Each method
// holds one lock for its whole read-modify-write, which gives it the same
// atomicity as the single-statement Postgres implementation. Use it for
// standalone deployments and tests.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	ledgers map[string]*models.SpendingLedger
	events  map[eventKey]*models.ChargedEvent
}

type eventKey struct {
	userID  string
	eventID string
}

// NewMemoryLedgerStore creates an empty store
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		ledgers: make(map[string]*models.SpendingLedger),
		events:  make(map[eventKey]*models.ChargedEvent),
	}
}

// ApplyCharge creates or increments the ledger, journals the event and
// returns a copy of the ledger. A journaled event id is not charged again.
func (s *MemoryLedgerStore) ApplyCharge(ctx context.Context, event *models.ChargedEvent, defaults models.SpendingPreferences, cycleStart time.Time) (*models.SpendingLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{userID: event.UserID, eventID: event.EventID}
	if _, charged := s.events[key]; charged {
		return nil, storage.ErrEventAlreadyCharged
	}

	now := time.Now().UTC()
	ledger, ok := s.ledgers[event.UserID]
	if !ok {
		ledger = &models.SpendingLedger{
			UserID:                event.UserID,
			MonthlyLimitAmount:    defaults.MonthlyLimitAmount,
			CurrentMonthSpent:     decimal.Zero,
			AlertThresholdPercent: defaults.AlertThresholdPercent,
			HardLimit:             defaults.HardLimit,
			CycleStartedAt:        cycleStart,
			CreatedAt:             now,
		}
		s.ledgers[event.UserID] = ledger
	}
	journaled := *event
	journaled.SpentBefore = ledger.CurrentMonthSpent
	journaled.ReportQueuedAt = nil
	s.events[key] = &journaled

	ledger.CurrentMonthSpent = ledger.CurrentMonthSpent.Add(event.Amount)
	ledger.UpdatedAt = now
	return copyLedger(ledger), nil
}

// ChargedEvent returns a copy of the journal entry
func (s *MemoryLedgerStore) ChargedEvent(ctx context.Context, userID, eventID string) (*models.ChargedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[eventKey{userID: userID, eventID: eventID}]
	if !ok {
		return nil, storage.ErrChargedEventNotFound
	}
	return copyEvent(event), nil
}

// MarkReportQueued confirms the report hand-off of a journaled event
func (s *MemoryLedgerStore) MarkReportQueued(ctx context.Context, userID, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event, ok := s.events[eventKey{userID: userID, eventID: eventID}]; ok && event.ReportQueuedAt == nil {
		event.ReportQueuedAt = &at
	}
	return nil
}

// PendingReports returns unconfirmed journal entries created before cutoff, oldest first
func (s *MemoryLedgerStore) PendingReports(ctx context.Context, cutoff time.Time, limit int) ([]*models.ChargedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*models.ChargedEvent
	for _, event := range s.events {
		if event.ReportQueuedAt == nil && event.CreatedAt.Before(cutoff) {
			pending = append(pending, copyEvent(event))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// PruneChargedEvents drops confirmed journal entries created before cutoff
func (s *MemoryLedgerStore) PruneChargedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for key, event := range s.events {
		if event.ReportQueuedAt != nil && event.CreatedAt.Before(cutoff) {
			delete(s.events, key)
			pruned++
		}
	}
	return pruned, nil
}

// MarkAlertSent sets alert_sent_at if unset within the given cycle
func (s *MemoryLedgerStore) MarkAlertSent(ctx context.Context, userID string, cycleStartedAt, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[userID]
	if !ok || ledger.AlertSentAt != nil || !ledger.CycleStartedAt.Equal(cycleStartedAt) {
		return false, nil
	}
	ledger.AlertSentAt = &at
	return true, nil
}

// MarkLimitHit sets limit_hit_at if unset within the given cycle
func (s *MemoryLedgerStore) MarkLimitHit(ctx context.Context, userID string, cycleStartedAt, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[userID]
	if !ok || ledger.LimitHitAt != nil || !ledger.CycleStartedAt.Equal(cycleStartedAt) {
		return false, nil
	}
	ledger.LimitHitAt = &at
	return true, nil
}

// Get returns a copy of the ledger
func (s *MemoryLedgerStore) Get(ctx context.Context, userID string) (*models.SpendingLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[userID]
	if !ok {
		return nil, storage.ErrLedgerNotFound
	}
	return copyLedger(ledger), nil
}

// ResetCycle zeroes spend and latches when cycleStart is newer than the stored cycle
func (s *MemoryLedgerStore) ResetCycle(ctx context.Context, userID string, cycleStart time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, ok := s.ledgers[userID]
	if !ok || !ledger.CycleStartedAt.Before(cycleStart) {
		return false, nil
	}
	ledger.CurrentMonthSpent = decimal.Zero
	ledger.AlertSentAt = nil
	ledger.LimitHitAt = nil
	ledger.CycleStartedAt = cycleStart
	ledger.UpdatedAt = time.Now().UTC()
	return true, nil
}

// UpdatePreferences upserts the limit settings
func (s *MemoryLedgerStore) UpdatePreferences(ctx context.Context, userID string, prefs models.SpendingPreferences, cycleStart time.Time) (*models.SpendingLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ledger, ok := s.ledgers[userID]
	if !ok {
		ledger = &models.SpendingLedger{
			UserID:            userID,
			CurrentMonthSpent: decimal.Zero,
			CycleStartedAt:    cycleStart,
			CreatedAt:         now,
		}
		s.ledgers[userID] = ledger
	}
	ledger.MonthlyLimitAmount = prefs.MonthlyLimitAmount
	ledger.AlertThresholdPercent = prefs.AlertThresholdPercent
	ledger.HardLimit = prefs.HardLimit
	ledger.UpdatedAt = now
	return copyLedger(ledger), nil
}

func copyEvent(e *models.ChargedEvent) *models.ChargedEvent {
	c := *e
	if e.ReportQueuedAt != nil {
		t := *e.ReportQueuedAt
		c.ReportQueuedAt = &t
	}
	return &c
}

func copyLedger(l *models.SpendingLedger) *models.SpendingLedger {
	c := *l
	if l.AlertSentAt != nil {
		t := *l.AlertSentAt
		c.AlertSentAt = &t
	}
	if l.LimitHitAt != nil {
		t := *l.LimitHitAt
		c.LimitHitAt = &t
	}
	return &c
}
