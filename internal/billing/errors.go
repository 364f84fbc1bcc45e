package billing

import "errors"

var (
	// ErrLimitExceeded is returned when a hard spending limit denies further usage
	ErrLimitExceeded = errors.New("monthly spending limit exceeded")

	// ErrInvalidUsage is returned for usage requests missing required fields
	ErrInvalidUsage = errors.New("invalid usage request")
)
