package queue

import "errors"

var (
	// ErrQueueClosed is returned by every operation after Close
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound means no dead letter entry has the requested ID
	ErrItemNotFound = errors.New("dead letter item not found")

	// ErrMaxRetriesExceeded wraps the last delivery error of an item that
	// used up its attempts and was parked
	ErrMaxRetriesExceeded = errors.New("delivery attempts exhausted")
)
