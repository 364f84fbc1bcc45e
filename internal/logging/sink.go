// Package logging keeps the audit trail of charged usage. Every charged
// invocation is handed to a Sink as a models.UsageEvent; the buffered sink
// batches events and hands each batch to a BatchWriter (S3 or local files).
package logging

import (
	"context"
	"errors"
	"sync"
	"time"

	"ai_billing/internal/models"
	"ai_billing/internal/utils"
)

// ErrSinkFull is returned when the buffer cannot take another event
var ErrSinkFull = errors.New("audit sink buffer is full")

// ErrSinkClosed is returned after Shutdown
var ErrSinkClosed = errors.New("audit sink is closed")

// Sink receives usage events from the billing engine.
type Sink interface {
	Enqueue(event *models.UsageEvent) error
	Shutdown(ctx context.Context) error
}

// BatchWriter persists one batch of events and returns where it went
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []*models.UsageEvent) (string, error)
}

// NoopSink discards events. Used when the audit trail is disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(event *models.UsageEvent) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}

// SinkConfig configures a BufferedSink
type SinkConfig struct {
	BufferSize    int           // events held in memory before Enqueue reports ErrSinkFull
	FlushSize     int           // flush as soon as this many events are pending
	FlushInterval time.Duration // flush pending events at least this often
	WriteTimeout  time.Duration // per-batch write deadline
}

// DefaultSinkConfig returns default sink configuration
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BufferSize:    10000,
		FlushSize:     500,
		FlushInterval: 30 * time.Second,
		WriteTimeout:  30 * time.Second,
	}
}

// BufferedSink collects events in memory and writes them in batches from a
// single background goroutine. Enqueue never blocks.
type BufferedSink struct {
	writer BatchWriter
	config SinkConfig
	logger *utils.Logger

	events chan *models.UsageEvent
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewBufferedSink creates the sink and starts its flush loop
func NewBufferedSink(writer BatchWriter, config SinkConfig) *BufferedSink {
	defaults := DefaultSinkConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.FlushSize <= 0 {
		config.FlushSize = defaults.FlushSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	s := &BufferedSink{
		writer: writer,
		config: config,
		logger: utils.NewLogger("audit-sink"),
		events: make(chan *models.UsageEvent, config.BufferSize),
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue buffers an event. A full buffer drops the event and returns ErrSinkFull.
func (s *BufferedSink) Enqueue(event *models.UsageEvent) error {
	if event == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.events <- event:
		return nil
	default:
		return ErrSinkFull
	}
}

// Shutdown stops accepting events, flushes what is buffered and waits for the
// flush loop to exit or ctx to expire.
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BufferedSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	pending := make([]*models.UsageEvent, 0, s.config.FlushSize)
	for {
		select {
		case event := <-s.events:
			pending = append(pending, event)
			if len(pending) >= s.config.FlushSize {
				pending = s.flush(pending)
			}
		case <-ticker.C:
			pending = s.flush(pending)
		case <-s.done:
			// Drain remaining events.
			for {
				select {
				case event := <-s.events:
					pending = append(pending, event)
					if len(pending) >= s.config.FlushSize {
						pending = s.flush(pending)
					}
				default:
					s.flush(pending)
					return
				}
			}
		}
	}
}

// flush writes pending events and returns the emptied slice. A failed batch
// is logged and dropped; the ledger, not the audit trail, is the record of money.
func (s *BufferedSink) flush(pending []*models.UsageEvent) []*models.UsageEvent {
	if len(pending) == 0 {
		return pending
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	location, err := s.writer.WriteBatch(ctx, pending)
	if err != nil {
		s.logger.Error("Failed to write audit batch", "count", len(pending), "error", err)
	} else {
		s.logger.Debug("Wrote audit batch", "location", location, "count", len(pending))
	}
	return make([]*models.UsageEvent, 0, s.config.FlushSize)
}
