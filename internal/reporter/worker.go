package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ai_billing/internal/metrics"
	"ai_billing/internal/models"
	"ai_billing/internal/queue"
	"ai_billing/internal/utils"
)

// OverageReporter delivers one queued report
type OverageReporter interface {
	Report(ctx context.Context, report *models.OverageReport) (*ReportResult, error)
}

// DeadLetter is a parked overage report
type DeadLetter = queue.DeadLetterItem[*models.OverageReport]

// ReportQueueWorker drains the overage report queue, retrying each report
// with exponential backoff and parking it in the dead letter queue when it
// cannot be delivered
type ReportQueueWorker struct {
	queue    queue.Queue[*models.OverageReport]
	dlq      queue.DeadLetterQueue[*models.OverageReport]
	reporter OverageReporter
	config   *queue.Config
	metrics  *metrics.Collector
	logger   *utils.Logger

	startOnce   sync.Once
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
	started     atomic.Bool
}

// NewReportQueueWorker creates a new report queue worker
func NewReportQueueWorker(
	q queue.Queue[*models.OverageReport],
	dlq queue.DeadLetterQueue[*models.OverageReport],
	reporter OverageReporter,
	config *queue.Config,
	m *metrics.Collector,
) *ReportQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("overage-reports")
	}

	return &ReportQueueWorker{
		queue:       q,
		dlq:         dlq,
		reporter:    reporter,
		config:      config,
		metrics:     m,
		logger:      utils.NewLogger("report-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutines
func (w *ReportQueueWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run(ctx)
	})
}

// Stop finishes the report in flight and stops the worker. Reports
// waiting for a retry are put back on the queue.
func (w *ReportQueueWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.stoppedChan
	}
	return nil
}

// Enqueue adds an overage report to the queue
func (w *ReportQueueWorker) Enqueue(ctx context.Context, report *models.OverageReport) error {
	return w.queue.Enqueue(ctx, report)
}

func (w *ReportQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	// Dequeue is interrupted by Stop; delivery of dequeued items is not
	dequeueCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-dequeueCtx.Done():
		}
	}()

	var redrive <-chan time.Time
	if w.config.RedriveInterval > 0 && w.dlq != nil {
		ticker := time.NewTicker(w.config.RedriveInterval)
		defer ticker.Stop()
		redrive = ticker.C
	}

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Report worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Report worker context cancelled")
			return
		case <-redrive:
			if _, err := w.Redrive(ctx); err != nil {
				w.logger.Error("Dead letter redrive failed", "error", err)
			}
		default:
			w.processBatch(ctx, dequeueCtx)
		}
	}
}

func (w *ReportQueueWorker) processBatch(ctx, dequeueCtx context.Context) {
	reports, err := w.queue.DequeueWithTimeout(dequeueCtx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if dequeueCtx.Err() != nil {
			return
		}
		w.logger.Error("Failed to dequeue overage reports", "error", err)
		w.sleep(ctx, time.Second)
		return
	}

	if len(reports) == 0 {
		return
	}

	w.logger.Debug("Processing report batch", "count", len(reports))

	for i, report := range reports {
		if w.stopping() {
			w.requeue(reports[i:])
			return
		}
		if err := w.processItem(ctx, report); err != nil {
			w.logger.Error("Failed to deliver overage report", "key", report.IdempotencyKey, "error", err)
		}
	}

	w.publishDepths(ctx)
}

// processItem delivers one report in at most MaxRetries attempts
func (w *ReportQueueWorker) processItem(ctx context.Context, report *models.OverageReport) error {
	attempts := max(w.config.MaxRetries, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-2))
			w.logger.Debug("Retrying overage report", "key", report.IdempotencyKey, "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				w.requeue([]*models.OverageReport{report})
				return fmt.Errorf("worker stopped before retry: %w", lastErr)
			}
		}

		_, err := w.reporter.Report(ctx, report)
		if err == nil {
			return nil
		}
		lastErr = err
		w.logger.Warn("Overage report attempt failed", "key", report.IdempotencyKey, "attempt", attempt, "error", err)

		if IsPermanent(err) {
			break
		}
	}

	w.deadLetter(ctx, report, lastErr)
	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *ReportQueueWorker) deadLetter(ctx context.Context, report *models.OverageReport, cause error) {
	if w.dlq == nil {
		w.logger.Error("Overage report dropped, no dead letter queue",
			"user_id", report.UserID,
			"key", report.IdempotencyKey,
			"amount", report.Amount.String(),
			"error", cause,
		)
		return
	}

	if err := w.dlq.Add(ctx, report, cause); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "key", report.IdempotencyKey, "error", err)
		return
	}
	w.metrics.RecordReport("dead_lettered", 0)
	w.logger.Warn("Overage report moved to DLQ", "user_id", report.UserID, "key", report.IdempotencyKey, "error", cause)
}

// requeue puts undelivered reports back so a restart picks them up
func (w *ReportQueueWorker) requeue(reports []*models.OverageReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, report := range reports {
		if err := w.queue.Enqueue(ctx, report); err != nil {
			w.logger.Error("Failed to requeue overage report on shutdown", "key", report.IdempotencyKey, "error", err)
		}
	}
}

func (w *ReportQueueWorker) stopping() bool {
	select {
	case <-w.stopChan:
		return true
	default:
		return false
	}
}

// sleep waits for d and reports false if the worker stopped meanwhile
func (w *ReportQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *ReportQueueWorker) publishDepths(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	queued, err := w.queue.Length(ctx)
	if err != nil {
		return
	}
	parked := 0
	if w.dlq != nil {
		if parked, err = w.dlq.Length(ctx); err != nil {
			return
		}
	}
	w.metrics.SetQueueDepths(queued, parked)
}

// Redrive moves parked reports that have not used up their automatic
// redrives back onto the queue. Returns the number moved.
func (w *ReportQueueWorker) Redrive(ctx context.Context) (int, error) {
	if w.dlq == nil {
		return 0, ErrDeadLetterDisabled
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	moved := 0
	for _, item := range items {
		if item.Item == nil || item.Item.Redrives >= w.config.MaxRedrives {
			continue
		}
		report := *item.Item
		report.Redrives++
		if err := w.move(ctx, item.ID, &report); err != nil {
			return moved, err
		}
		moved++
	}

	if moved > 0 {
		w.logger.Info("Redrove dead letter reports", "count", moved)
	}
	w.publishDepths(ctx)
	return moved, nil
}

// move enqueues the report before removing it from the DLQ. A crash in
// between leaves a duplicate, which the idempotency key absorbs.
func (w *ReportQueueWorker) move(ctx context.Context, id string, report *models.OverageReport) error {
	if err := w.queue.Enqueue(ctx, report); err != nil {
		return fmt.Errorf("failed to re-enqueue report: %w", err)
	}
	if err := w.dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}
	return nil
}

// GetQueueLength returns the current queue length
func (w *ReportQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns parked reports, oldest first
func (w *ReportQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]DeadLetter, error) {
	if w.dlq == nil {
		return nil, ErrDeadLetterDisabled
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem moves one parked report back onto the queue,
// regardless of how often it was redriven
func (w *ReportQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return ErrDeadLetterDisabled
	}

	item, err := w.dlq.Get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			return err
		}
		return fmt.Errorf("failed to load dead letter item: %w", err)
	}
	if item.Item == nil {
		return fmt.Errorf("dead letter item %s has no report", id)
	}

	return w.move(ctx, id, item.Item)
}
