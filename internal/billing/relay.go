package billing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ai_billing/internal/metrics"
	"ai_billing/internal/utils"
)

// RelayConfig controls the sweep of pending overage reports
type RelayConfig struct {
	// Interval between sweeps
	Interval time.Duration

	// Grace leaves fresh journal entries to the request that charged them
	Grace time.Duration

	// BatchSize bounds the entries handled per sweep
	BatchSize int

	// Retention is how long settled journal entries are kept. Repeats of an
	// event id older than this are charged again.
	Retention time.Duration
}

// DefaultRelayConfig sweeps every 30s and keeps settled entries 45 days
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Interval:  30 * time.Second,
		Grace:     time.Minute,
		BatchSize: 200,
		Retention: 45 * 24 * time.Hour,
	}
}

// ReportRelay moves overage reports whose hand-off was never confirmed
// from the charge journal onto the report queue. Reports keep the
// idempotency key and timestamp of their event, so a report queued twice
// is billed once.
type ReportRelay struct {
	store   LedgerStore
	reports OverageQueue
	config  RelayConfig
	metrics *metrics.Collector
	logger  *utils.Logger
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// NewReportRelay creates a relay over the ledger store's journal
func NewReportRelay(store LedgerStore, reports OverageQueue, config RelayConfig, m *metrics.Collector) *ReportRelay {
	defaults := DefaultRelayConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Grace < 0 {
		config.Grace = 0
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	return &ReportRelay{
		store:    store,
		reports:  reports,
		config:   config,
		metrics:  m,
		logger:   utils.NewLogger("report-relay"),
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Sweep queues every pending report older than the grace period and
// confirms it. Entries without billable overage are confirmed without a
// report. Returns the number of reports queued.
func (r *ReportRelay) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.config.Grace)
	events, err := r.store.PendingReports(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending reports: %w", err)
	}

	queued := 0
	for _, event := range events {
		allocation := Allocate(event.Amount, event.IncludedAllowance, event.SpentBefore)
		if allocation.BillableUnits() > 0 {
			report := newOverageReport(event.UserID, event.EventID, allocation.Overage, event.CreatedAt)
			if err := r.reports.Enqueue(ctx, report); err != nil {
				return queued, fmt.Errorf("failed to queue report of event %s: %w", event.EventID, err)
			}
			r.metrics.RecordOverage(allocation.Overage)
			queued++
		}
		if err := r.store.MarkReportQueued(ctx, event.UserID, event.EventID, normalizeTime(r.now())); err != nil {
			return queued, fmt.Errorf("failed to confirm report of event %s: %w", event.EventID, err)
		}
	}

	if queued > 0 {
		r.logger.Info("Relayed pending overage reports", "count", queued)
	}
	return queued, nil
}

// Prune drops settled journal entries past the retention window
func (r *ReportRelay) Prune(ctx context.Context) (int64, error) {
	if r.config.Retention <= 0 {
		return 0, nil
	}
	return r.store.PruneChargedEvents(ctx, r.now().Add(-r.config.Retention))
}

// Start sweeps on every interval until Stop or ctx ends
func (r *ReportRelay) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run(ctx)
	})
}

func (r *ReportRelay) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Pending report sweep failed", "error", err)
			}
			if n, err := r.Prune(ctx); err != nil {
				r.logger.Error("Charge journal prune failed", "error", err)
			} else if n > 0 {
				r.logger.Debug("Pruned charge journal", "count", n)
			}
		}
	}
}

// Stop ends the sweep loop started by Start and waits for it
func (r *ReportRelay) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	if r.started.Load() {
		<-r.done
	}
}
