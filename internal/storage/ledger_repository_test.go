package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_billing/internal/models"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewDBFromConn(sqlx.NewDb(conn, "sqlmock"), DefaultDBConfig()), mock
}

var ledgerRowColumns = []string{
	"user_id", "monthly_limit_amount", "current_month_spent", "alert_threshold_percent", "hard_limit",
	"alert_sent_at", "limit_hit_at", "cycle_started_at", "created_at", "updated_at",
}

func defaultPrefs() models.SpendingPreferences {
	return models.SpendingPreferences{
		MonthlyLimitAmount:    decimal.NewFromInt(100),
		AlertThresholdPercent: decimal.NewFromInt(80),
	}
}

func testCharge(userID, eventID, amount string, at time.Time) *models.ChargedEvent {
	return &models.ChargedEvent{
		UserID:            userID,
		EventID:           eventID,
		ModelKey:          "gpt-4o-mini",
		BillingMode:       models.BillingModePerToken,
		Feature:           "caption",
		CostAmount:        decimal.RequireFromString(amount).Div(decimal.NewFromInt(2)),
		Amount:            decimal.RequireFromString(amount),
		IncludedAllowance: decimal.NewFromInt(50),
		CreatedAt:         at,
	}
}

var chargedEventRowColumns = []string{
	"user_id", "event_id", "model_key", "billing_mode", "feature", "cost_amount", "amount",
	"default_margin", "included_allowance", "spent_before", "report_queued_at", "created_at",
}

func TestLedgerRepository_ApplyCharge(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	cycle := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now()
	event := testCharge("user-1", "evt-1", "5.25", now)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO charged_events")).
		WithArgs("user-1", decimal.NewFromInt(100), decimal.RequireFromString("5.25"), decimal.NewFromInt(80), false, cycle,
			"evt-1", "gpt-4o-mini", "caption", event.CostAmount, false, decimal.NewFromInt(50), now, "PER_TOKEN").
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns).
			AddRow("user-1", "100.000000", "53.250000", "80.000", false, nil, nil, cycle, now, now))

	ledger, err := repo.ApplyCharge(context.Background(), event, defaultPrefs(), cycle)
	require.NoError(t, err)

	assert.Equal(t, "user-1", ledger.UserID)
	assert.True(t, decimal.RequireFromString("53.25").Equal(ledger.CurrentMonthSpent))
	assert.Nil(t, ledger.AlertSentAt)
	assert.True(t, cycle.Equal(ledger.CycleStartedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ApplyChargeSkipsJournaledEvent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	cycle := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	// The journal already holds the event, so the guarded insert yields no row
	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT EXISTS")).
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns))

	_, err := repo.ApplyCharge(context.Background(), testCharge("user-1", "evt-1", "5", time.Now()), defaultPrefs(), cycle)
	assert.ErrorIs(t, err, ErrEventAlreadyCharged)

	// A concurrent charge of the same event loses on the journal key
	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT EXISTS")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "charged_events_pkey", Message: "duplicate key"})

	_, err = repo.ApplyCharge(context.Background(), testCharge("user-1", "evt-1", "5", time.Now()), defaultPrefs(), cycle)
	assert.ErrorIs(t, err, ErrEventAlreadyCharged)
	assert.NotErrorIs(t, err, ErrLedgerWriteConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ApplyChargeConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()

	mock.ExpectQuery("INSERT INTO spending_ledgers").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	_, err := repo.ApplyCharge(context.Background(), testCharge("user-1", "evt-1", "1", time.Now()), defaultPrefs(), time.Now())
	assert.ErrorIs(t, err, ErrLedgerWriteConflict)

	mock.ExpectQuery("INSERT INTO spending_ledgers").
		WillReturnError(errors.New("connection reset"))

	_, err = repo.ApplyCharge(context.Background(), testCharge("user-1", "evt-2", "1", time.Now()), defaultPrefs(), time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLedgerWriteConflict)
	assert.NotErrorIs(t, err, ErrEventAlreadyCharged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ChargeJournal(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	ctx := context.Background()
	created := time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC)
	queuedAt := created.Add(time.Second)

	mock.ExpectQuery("FROM charged_events").
		WithArgs("user-1", "evt-1").
		WillReturnRows(sqlmock.NewRows(chargedEventRowColumns).
			AddRow("user-1", "evt-1", "video-gen", "PER_RUN", "render", "2.500000", "5.000000", false, "50.000000", "48.000000", nil, created))
	mock.ExpectQuery("FROM charged_events").
		WithArgs("user-1", "ghost").
		WillReturnRows(sqlmock.NewRows(chargedEventRowColumns))
	mock.ExpectExec(regexp.QuoteMeta("SET report_queued_at = $3")).
		WithArgs("user-1", "evt-1", queuedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	event, err := repo.ChargedEvent(ctx, "user-1", "evt-1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(event.Amount))
	assert.True(t, decimal.NewFromInt(48).Equal(event.SpentBefore))
	assert.True(t, event.ReportPending())

	_, err = repo.ChargedEvent(ctx, "user-1", "ghost")
	assert.ErrorIs(t, err, ErrChargedEventNotFound)

	require.NoError(t, repo.MarkReportQueued(ctx, "user-1", "evt-1", queuedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_PendingReportsAndPrune(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	ctx := context.Background()
	cutoff := time.Date(2026, 10, 5, 12, 0, 0, 0, time.UTC)
	created := cutoff.Add(-time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE report_queued_at IS NULL AND created_at < $1")).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows(chargedEventRowColumns).
			AddRow("user-1", "evt-1", "video-gen", "PER_RUN", "render", "2.5", "5", false, "0", "0", nil, created).
			AddRow("user-2", "evt-7", "video-gen", "PER_RUN", "render", "2.5", "5", true, "10", "12", nil, created))
	mock.ExpectExec(regexp.QuoteMeta("WHERE report_queued_at IS NOT NULL AND created_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	events, err := repo.PendingReports(ctx, cutoff, 50)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-7", events[1].EventID)
	assert.True(t, events[1].DefaultMargin)

	pruned, err := repo.PruneChargedEvents(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_Latches(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	ctx := context.Background()
	cycle := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	at := cycle.Add(48 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND alert_sent_at IS NULL AND cycle_started_at = $3")).
		WithArgs("user-1", at, cycle).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND alert_sent_at IS NULL AND cycle_started_at = $3")).
		WithArgs("user-1", at, cycle).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND limit_hit_at IS NULL AND cycle_started_at = $3")).
		WithArgs("user-1", at, cycle).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := repo.MarkAlertSent(ctx, "user-1", cycle, at)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.MarkAlertSent(ctx, "user-1", cycle, at)
	require.NoError(t, err)
	assert.False(t, won, "second writer must lose")

	won, err = repo.MarkLimitHit(ctx, "user-1", cycle, at)
	require.NoError(t, err)
	assert.True(t, won)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_GetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()

	mock.ExpectQuery("FROM spending_ledgers").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns))

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrLedgerNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ResetCycle(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	next := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND cycle_started_at < $2")).
		WithArgs("user-1", next).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND cycle_started_at < $2")).
		WithArgs("user-1", next).
		WillReturnResult(sqlmock.NewResult(0, 0))

	reset, err := repo.ResetCycle(context.Background(), "user-1", next)
	require.NoError(t, err)
	assert.True(t, reset)

	reset, err = repo.ResetCycle(context.Background(), "user-1", next)
	require.NoError(t, err)
	assert.False(t, reset, "replayed rollover is a no-op")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_UpdatePreferences(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	cycle := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	alertAt := cycle.Add(time.Hour)
	prefs := models.SpendingPreferences{
		MonthlyLimitAmount:    decimal.NewFromInt(200),
		AlertThresholdPercent: decimal.NewFromInt(90),
		HardLimit:             true,
	}

	mock.ExpectQuery(regexp.QuoteMeta("SET monthly_limit_amount = EXCLUDED.monthly_limit_amount")).
		WithArgs("user-1", decimal.NewFromInt(200), decimal.NewFromInt(90), true, cycle).
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns).
			AddRow("user-1", "200", "53", "90", true, alertAt, nil, cycle, cycle, alertAt))

	ledger, err := repo.UpdatePreferences(context.Background(), "user-1", prefs, cycle)
	require.NoError(t, err)
	assert.True(t, ledger.HardLimit)
	require.NotNil(t, ledger.AlertSentAt, "latches survive a preference change")
	assert.Equal(t, models.LedgerStateAlertSent, ledger.State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepository_ListOverThreshold(t *testing.T) {
	db, mock := newMockDB(t)
	repo := db.NewLedgerRepository()
	now := time.Now()

	mock.ExpectQuery("current_month_spent \\* 100 >= monthly_limit_amount \\* alert_threshold_percent").
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns).
			AddRow("a", "50", "53", "80", true, now, now, now, now, now).
			AddRow("b", "100", "85", "80", false, now, nil, now, now, now))

	ledgers, err := repo.ListOverThreshold(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	assert.Equal(t, models.LedgerStateLimitHit, ledgers[0].State())
	assert.Equal(t, models.LedgerStateAlertSent, ledgers[1].State())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_Migrate(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS spending_ledgers").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
