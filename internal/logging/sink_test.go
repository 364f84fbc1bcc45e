package logging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ai_billing/internal/models"
)

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]*models.UsageEvent
	err     error
}

func (w *recordingWriter) WriteBatch(ctx context.Context, events []*models.UsageEvent) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	w.batches = append(w.batches, events)
	return "memory", nil
}

func (w *recordingWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func testEvent(id string) *models.UsageEvent {
	return &models.UsageEvent{
		ID:                  id,
		UserID:              "user-1",
		ModelKey:            "gpt-4o-mini",
		Feature:             "stylist",
		Quantity:            models.Quantities{InputUnits: 1000, OutputUnits: 500},
		ComputedCostAmount:  decimal.RequireFromString("0.00045"),
		ComputedPriceAmount: decimal.RequireFromString("0.00063"),
		FromIncluded:        decimal.RequireFromString("0.00063"),
		Overage:             decimal.Zero,
		Timestamp:           time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
}

func TestNoopSink(t *testing.T) {
	sink := NewNoopSink()

	if err := sink.Enqueue(testEvent("evt-1")); err != nil {
		t.Errorf("Expected no error from NoopSink.Enqueue, got %v", err)
	}
	if err := sink.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error from NoopSink.Shutdown, got %v", err)
	}
}

func TestBufferedSink_FlushesOnSize(t *testing.T) {
	writer := &recordingWriter{}
	sink := NewBufferedSink(writer, SinkConfig{BufferSize: 100, FlushSize: 3, FlushInterval: time.Hour})
	defer sink.Shutdown(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if err := sink.Enqueue(testEvent(id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for writer.total() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := writer.total(); got != 3 {
		t.Fatalf("Expected 3 events written, got %d", got)
	}
}

func TestBufferedSink_FlushesOnInterval(t *testing.T) {
	writer := &recordingWriter{}
	sink := NewBufferedSink(writer, SinkConfig{BufferSize: 100, FlushSize: 100, FlushInterval: 20 * time.Millisecond})
	defer sink.Shutdown(context.Background())

	if err := sink.Enqueue(testEvent("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for writer.total() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := writer.total(); got != 1 {
		t.Fatalf("Expected interval flush to write 1 event, got %d", got)
	}
}

func TestBufferedSink_ShutdownDrains(t *testing.T) {
	writer := &recordingWriter{}
	sink := NewBufferedSink(writer, SinkConfig{BufferSize: 100, FlushSize: 50, FlushInterval: time.Hour})

	for i := 0; i < 10; i++ {
		if err := sink.Enqueue(testEvent("evt")); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := writer.total(); got != 10 {
		t.Errorf("Expected all 10 events flushed on shutdown, got %d", got)
	}

	if err := sink.Enqueue(testEvent("late")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Expected ErrSinkClosed after shutdown, got %v", err)
	}
	if err := sink.Shutdown(ctx); err != nil {
		t.Errorf("Second shutdown should be a no-op, got %v", err)
	}
}

func TestBufferedSink_WriteFailureDropsBatch(t *testing.T) {
	writer := &recordingWriter{err: errors.New("bucket unavailable")}
	sink := NewBufferedSink(writer, SinkConfig{BufferSize: 10, FlushSize: 1, FlushInterval: time.Hour})

	if err := sink.Enqueue(testEvent("a")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := sink.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := writer.total(); got != 0 {
		t.Errorf("Expected nothing recorded, got %d", got)
	}
}

type blockingWriter struct {
	release chan struct{}
}

func (w *blockingWriter) WriteBatch(ctx context.Context, events []*models.UsageEvent) (string, error) {
	<-w.release
	return "", nil
}

func TestBufferedSink_FullBufferRejects(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	sink := NewBufferedSink(writer, SinkConfig{BufferSize: 1, FlushSize: 1, FlushInterval: time.Hour})

	// The first event is taken by the flush loop, which then blocks in the
	// writer. The second fills the buffer.
	_ = sink.Enqueue(testEvent("a"))
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		err = sink.Enqueue(testEvent("b"))
		if errors.Is(err, ErrSinkFull) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, ErrSinkFull) {
		t.Errorf("Expected ErrSinkFull, got %v", err)
	}

	close(writer.release)
	sink.Shutdown(context.Background())
}
