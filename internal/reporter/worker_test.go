package reporter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_billing/internal/models"
	"ai_billing/internal/queue"
)

// scriptedReporter fails the first failures calls, then succeeds
type scriptedReporter struct {
	mu        sync.Mutex
	failures  int
	failWith  error
	calls     int
	delivered []string
}

func (s *scriptedReporter) Report(ctx context.Context, report *models.OverageReport) (*ReportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, s.failWith
	}
	s.delivered = append(s.delivered, report.IdempotencyKey)
	return &ReportResult{Quantity: 1}, nil
}

func (s *scriptedReporter) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]string(nil), s.delivered...)
}

func testWorkerConfig() *queue.Config {
	config := queue.DefaultConfig("test-reports")
	config.BatchSize = 10
	config.BatchTimeout = 50 * time.Millisecond
	config.MaxRetries = 3
	config.RetryBackoff = time.Millisecond
	config.RedriveInterval = 0
	config.MaxRedrives = 2
	return config
}

func overage(key string) *models.OverageReport {
	return &models.OverageReport{UserID: "u", UsageEventID: key, Amount: decimal.NewFromInt(3), IdempotencyKey: "usage:u:" + key}
}

func startWorker(t *testing.T, rep OverageReporter) (*ReportQueueWorker, *queue.MemoryDeadLetterQueue[*models.OverageReport]) {
	t.Helper()
	config := testWorkerConfig()
	q := queue.NewMemoryQueue[*models.OverageReport](config)
	dlq := queue.NewMemoryDeadLetterQueue[*models.OverageReport]()

	worker := NewReportQueueWorker(q, dlq, rep, config, nil)
	worker.Start(context.Background())
	t.Cleanup(func() { worker.Stop() })
	return worker, dlq
}

func TestReportQueueWorker_DeliversQueuedReports(t *testing.T) {
	rep := &scriptedReporter{}
	worker, _ := startWorker(t, rep)

	for _, key := range []string{"e1", "e2", "e3"} {
		require.NoError(t, worker.Enqueue(context.Background(), overage(key)))
	}

	assert.Eventually(t, func() bool {
		_, delivered := rep.snapshot()
		return len(delivered) == 3
	}, 2*time.Second, 10*time.Millisecond)

	_, delivered := rep.snapshot()
	assert.Equal(t, []string{"usage:u:e1", "usage:u:e2", "usage:u:e3"}, delivered)
}

func TestReportQueueWorker_RetriesTransientFailures(t *testing.T) {
	rep := &scriptedReporter{failures: 2, failWith: ErrReportingUnavailable}
	worker, dlq := startWorker(t, rep)

	require.NoError(t, worker.Enqueue(context.Background(), overage("e1")))

	assert.Eventually(t, func() bool {
		_, delivered := rep.snapshot()
		return len(delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls, _ := rep.snapshot()
	assert.Equal(t, 3, calls)
	n, _ := dlq.Length(context.Background())
	assert.Equal(t, 0, n)
}

func TestReportQueueWorker_ExhaustedRetriesGoToDLQ(t *testing.T) {
	rep := &scriptedReporter{failures: 100, failWith: ErrReportingUnavailable}
	worker, dlq := startWorker(t, rep)
	ctx := context.Background()

	require.NoError(t, worker.Enqueue(ctx, overage("e1")))

	assert.Eventually(t, func() bool {
		n, _ := dlq.Length(ctx)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls, _ := rep.snapshot()
	assert.Equal(t, 3, calls, "MaxRetries attempts in total")

	items, err := worker.GetDeadLetterItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "usage:u:e1", items[0].Item.IdempotencyKey)
	assert.Contains(t, items[0].Error, "unavailable")
}

func TestReportQueueWorker_AttemptsMatchMaxRetries(t *testing.T) {
	ctx := context.Background()
	for _, maxRetries := range []int{0, 1, queue.DefaultConfig("x").MaxRetries} {
		config := testWorkerConfig()
		config.MaxRetries = maxRetries
		rep := &scriptedReporter{failures: 100, failWith: ErrReportingUnavailable}
		dlq := queue.NewMemoryDeadLetterQueue[*models.OverageReport]()
		worker := NewReportQueueWorker(queue.NewMemoryQueue[*models.OverageReport](config), dlq, rep, config, nil)

		err := worker.processItem(ctx, overage("e1"))
		require.ErrorIs(t, err, queue.ErrMaxRetriesExceeded)

		calls, _ := rep.snapshot()
		assert.Equal(t, max(maxRetries, 1), calls, "MaxRetries=%d", maxRetries)
		n, _ := dlq.Length(ctx)
		assert.Equal(t, 1, n)
	}
}

func TestReportQueueWorker_PermanentFailureSkipsRetries(t *testing.T) {
	rep := &scriptedReporter{failures: 100, failWith: ErrReportRejected}
	worker, dlq := startWorker(t, rep)
	ctx := context.Background()

	require.NoError(t, worker.Enqueue(ctx, overage("e1")))

	assert.Eventually(t, func() bool {
		n, _ := dlq.Length(ctx)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	calls, _ := rep.snapshot()
	assert.Equal(t, 1, calls)
}

func TestReportQueueWorker_RedriveAndManualRetry(t *testing.T) {
	ctx := context.Background()
	config := testWorkerConfig()
	q := queue.NewMemoryQueue[*models.OverageReport](config)
	dlq := queue.NewMemoryDeadLetterQueue[*models.OverageReport]()
	worker := NewReportQueueWorker(q, dlq, &scriptedReporter{}, config, nil)

	fresh := overage("fresh")
	spent := overage("spent")
	spent.Redrives = config.MaxRedrives
	require.NoError(t, dlq.Add(ctx, fresh, ErrReportingUnavailable))
	require.NoError(t, dlq.Add(ctx, spent, ErrReportingUnavailable))

	moved, err := worker.Redrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	queued, err := q.DequeueWithTimeout(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "usage:u:fresh", queued[0].IdempotencyKey)
	assert.Equal(t, 1, queued[0].Redrives)

	// Manual retry ignores the redrive budget
	items, err := worker.GetDeadLetterItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, worker.RetryDeadLetterItem(ctx, items[0].ID))

	length, _ := q.Length(ctx)
	assert.Equal(t, 1, length)
	parked, _ := dlq.Length(ctx)
	assert.Equal(t, 0, parked)

	assert.ErrorIs(t, worker.RetryDeadLetterItem(ctx, "missing"), queue.ErrItemNotFound)
}

func TestReportQueueWorker_NoDLQ(t *testing.T) {
	config := testWorkerConfig()
	worker := NewReportQueueWorker(queue.NewMemoryQueue[*models.OverageReport](config), nil, &scriptedReporter{}, config, nil)

	_, err := worker.GetDeadLetterItems(context.Background(), 0)
	assert.ErrorIs(t, err, ErrDeadLetterDisabled)
	_, err = worker.Redrive(context.Background())
	assert.ErrorIs(t, err, ErrDeadLetterDisabled)

	// Stop without Start returns immediately
	assert.NoError(t, worker.Stop())
}
