// Package queue provides the durable hand-off between charging and external
// usage reporting, with two backends:
//
// 1. Memory Queue (in-memory, channel-based):
//   - No persistence, pending reports are lost on restart
//   - Zero external dependencies
//   - Suitable for development and single-node deployments
//
// 2. Redis Queue (Redis List-based):
//   - Persistent across restarts
//   - Supports several reporter workers
//   - The production backend
//
// Architecture:
//
//	┌──────────────┐
//	│ recordUsage  │  ledger already committed
//	└──────┬───────┘
//	       │ overage > 0
//	       ▼
//	┌──────────────┐
//	│ Report Queue │
//	└──────┬───────┘
//	       ▼
//	┌──────────────┐  retry with backoff
//	│ Report       │───────────┐
//	│ Worker       │◄──────────┘
//	└──────┬───────┘
//	       │ exhausted / rejected
//	       ▼
//	┌──────────────┐  periodic redrive, manual retry
//	│     DLQ      │──────────► Report Queue
//	└──────────────┘
//
// Features:
// - Batch dequeue (up to BatchSize items, BatchTimeout wait)
// - Retry with exponential backoff (MaxRetries attempts)
// - Dead-letter queue for reports that could not be delivered
// - Graceful shutdown with queue draining
package queue

import (
	"context"
	"time"
)

// Queue is a FIFO of typed items
type Queue[T any] interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item T) error

	// Dequeue retrieves up to maxItems items, blocking until at least one
	// is available or ctx is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]T, error)

	// DequeueWithTimeout retrieves items with a timeout. Returns an empty
	// slice when nothing arrived before the timeout.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue
	Close() error
}

// DeadLetterQueue parks items that exhausted their retries
type DeadLetterQueue[T any] interface {
	// Add parks a failed item with the error that failed it
	Add(ctx context.Context, item T, err error) error

	// List returns parked items, oldest first. maxItems <= 0 means all.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)

	// Get returns one parked item or ErrItemNotFound
	Get(ctx context.Context, id string) (*DeadLetterItem[T], error)

	// Remove deletes a parked item
	Remove(ctx context.Context, id string) error

	// Length returns the number of parked items
	Length(ctx context.Context) (int, error)

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem is a parked item and why it was parked
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait for a batch before polling again
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of delivery attempts per item
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// RedriveInterval is how often parked items are moved back to the queue.
	// Zero disables automatic redrive.
	RedriveInterval time.Duration

	// MaxRedrives bounds how many times one item is redriven automatically
	MaxRedrives int

	// UseRedis selects the Redis backend over the in-memory one
	UseRedis bool

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:       100,
		BatchTimeout:    5 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    1 * time.Second,
		RedriveInterval: 10 * time.Minute,
		MaxRedrives:     5,
		UseRedis:        false,
		QueueName:       queueName,
	}
}
