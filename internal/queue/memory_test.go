package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testReport struct {
	Key    string `json:"key"`
	Amount int    `json:"amount"`
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue[testReport](DefaultConfig("test"))
	defer q.Close()

	ctx := context.Background()

	item := testReport{Key: "usage:u1:e1", Amount: 300}
	if err := q.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := q.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}

	if items[0] != item {
		t.Errorf("Expected %+v, got %+v", item, items[0])
	}
}

func TestMemoryQueue_MultipleBatch(t *testing.T) {
	config := DefaultConfig("test")
	config.BatchSize = 5
	q := NewMemoryQueue[int](config)
	defer q.Close()

	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(ctx, i); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	items, err := q.Dequeue(ctx, 5)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(items) != 5 {
		t.Errorf("Expected 5 items, got %d", len(items))
	}
	for i, v := range items {
		if v != i {
			t.Errorf("Expected FIFO order, position %d holds %d", i, v)
		}
	}

	items, err = q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(items) != 5 {
		t.Errorf("Expected 5 items, got %d", len(items))
	}
}

func TestMemoryQueue_DequeueWithTimeout(t *testing.T) {
	q := NewMemoryQueue[string](DefaultConfig("test"))
	defer q.Close()

	ctx := context.Background()

	start := time.Now()
	items, err := q.DequeueWithTimeout(ctx, 1, 100*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("Expected 0 items, got %d", len(items))
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("Expected timeout, but returned early: %v", elapsed)
	}

	if err := q.Enqueue(ctx, "test"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err = q.DequeueWithTimeout(ctx, 1, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("DequeueWithTimeout failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Expected 1 item, got %d", len(items))
	}
}

func TestMemoryQueue_CloseUnblocksDequeue(t *testing.T) {
	q := NewMemoryQueue[int](DefaultConfig("test"))

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), 1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after Close")
	}

	if err := q.Enqueue(context.Background(), 1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed on enqueue, got %v", err)
	}
	if _, err := q.Length(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed on length, got %v", err)
	}
}

func TestMemoryQueue_ConcurrentProducerConsumer(t *testing.T) {
	config := DefaultConfig("concurrent-test")
	config.BatchSize = 20
	q := NewMemoryQueue[int](config)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const producers, perProducer = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Enqueue(ctx, i); err != nil {
					t.Errorf("Enqueue failed: %v", err)
					return
				}
			}
		}()
	}

	processed := 0
	for processed < producers*perProducer {
		items, err := q.DequeueWithTimeout(ctx, config.BatchSize, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue failed after %d items: %v", processed, err)
		}
		processed += len(items)
	}
	wg.Wait()

	if processed != producers*perProducer {
		t.Errorf("Expected %d items processed, got %d", producers*perProducer, processed)
	}
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue[testReport]()
	defer dlq.Close()

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := dlq.Add(ctx, testReport{Amount: i}, errors.New("stripe unavailable")); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	items, err := dlq.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	for i, item := range items {
		if item.Item.Amount != i {
			t.Errorf("Expected oldest first, position %d holds amount %d", i, item.Item.Amount)
		}
		if item.Error != "stripe unavailable" {
			t.Errorf("Unexpected error text %q", item.Error)
		}
	}

	limited, _ := dlq.List(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("Expected 2 items with limit, got %d", len(limited))
	}

	got, err := dlq.Get(ctx, items[1].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Item.Amount != 1 {
		t.Errorf("Get returned the wrong item: %+v", got)
	}

	if err := dlq.Remove(ctx, items[0].ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := dlq.Remove(ctx, items[0].ID); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}
	if _, err := dlq.Get(ctx, "missing"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}

	n, _ := dlq.Length(ctx)
	if n != 2 {
		t.Errorf("Expected length 2, got %d", n)
	}
}

func TestMemoryDeadLetterQueue_Closed(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue[int]()
	dlq.Close()

	if err := dlq.Add(context.Background(), 1, errors.New("x")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	if _, err := dlq.List(context.Background(), 0); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}
