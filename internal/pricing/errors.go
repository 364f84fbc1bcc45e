package pricing

import "errors"

var (
	// ErrConfigNotFound is returned when a model key has no active pricing config
	ErrConfigNotFound = errors.New("pricing config not found")

	// ErrInvalidQuantities is returned for negative usage quantities
	ErrInvalidQuantities = errors.New("invalid usage quantities")

	// ErrFallbackUnpriced is returned when models without config would be
	// charged nothing
	ErrFallbackUnpriced = errors.New("fallback pricing is zero")
)
