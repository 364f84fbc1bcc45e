package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_billing/internal/models"
)

func journalCharge(t *testing.T, store *MemoryLedgerStore, eventID, amount, allowance string, at time.Time) {
	t.Helper()
	_, err := store.ApplyCharge(context.Background(), &models.ChargedEvent{
		UserID:            "u",
		EventID:           eventID,
		Amount:            dec(amount),
		IncludedAllowance: dec(allowance),
		CreatedAt:         at,
	}, DefaultLedgerConfig().Defaults, normalizeTime(at))
	require.NoError(t, err)
}

func TestReportRelay_SweepsOnlyPastGrace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	reports := &captureQueue{}
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	journalCharge(t, store, "old", "5", "0", now.Add(-5*time.Minute))
	journalCharge(t, store, "fresh", "5", "0", now.Add(-10*time.Second))

	relay := NewReportRelay(store, reports, RelayConfig{Grace: time.Minute}, nil)
	relay.now = func() time.Time { return now }

	queued, err := relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Len(t, reports.reports, 1)
	assert.Equal(t, "usage:u:old", reports.reports[0].IdempotencyKey)

	// A second sweep finds nothing new past the grace period
	queued, err = relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestReportRelay_RebuildsOverageFromJournal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	reports := &captureQueue{}
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	// Allowance 10: the first 8 is covered, the second charge of 5 splits 2/3
	journalCharge(t, store, "covered", "8", "10", at)
	journalCharge(t, store, "split", "5", "10", at.Add(time.Second))

	relay := NewReportRelay(store, reports, RelayConfig{}, nil)
	relay.now = func() time.Time { return at.Add(time.Hour) }

	queued, err := relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Len(t, reports.reports, 1)
	assert.True(t, dec("3").Equal(reports.reports[0].Amount))
	assert.True(t, at.Add(time.Second).Equal(reports.reports[0].OccurredAt))

	covered, err := store.ChargedEvent(ctx, "u", "covered")
	require.NoError(t, err)
	assert.False(t, covered.ReportPending(), "entries without overage are settled too")
}

func TestReportRelay_StopsOnQueueFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	reports := &captureQueue{err: errors.New("queue full")}
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	journalCharge(t, store, "evt-1", "5", "0", at)

	relay := NewReportRelay(store, reports, RelayConfig{}, nil)
	relay.now = func() time.Time { return at.Add(time.Hour) }

	_, err := relay.Sweep(ctx)
	require.Error(t, err)

	event, err := store.ChargedEvent(ctx, "u", "evt-1")
	require.NoError(t, err)
	assert.True(t, event.ReportPending(), "an entry stays pending until its report is queued")
}

func TestReportRelay_PruneKeepsPendingEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryLedgerStore()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, -2, 0)

	journalCharge(t, store, "settled", "1", "0", old)
	journalCharge(t, store, "pending", "1", "0", old)
	require.NoError(t, store.MarkReportQueued(ctx, "u", "settled", old))

	relay := NewReportRelay(store, &captureQueue{}, RelayConfig{Retention: 30 * 24 * time.Hour}, nil)
	relay.now = func() time.Time { return now }

	pruned, err := relay.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = store.ChargedEvent(ctx, "u", "pending")
	assert.NoError(t, err)
}

func TestReportRelay_StopWithoutStart(t *testing.T) {
	relay := NewReportRelay(NewMemoryLedgerStore(), &captureQueue{}, DefaultRelayConfig(), nil)
	relay.Stop()
}
