package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quantities is the metered amount of one model invocation. PER_TOKEN
// models read InputUnits/OutputUnits, PER_RUN models read Runs.
type Quantities struct {
	InputUnits  int64 `json:"input_units,omitempty"`
	OutputUnits int64 `json:"output_units,omitempty"`
	Runs        int64 `json:"runs,omitempty"`
}

// IsNegative reports whether any quantity is below zero
func (q Quantities) IsNegative() bool {
	return q.InputUnits < 0 || q.OutputUnits < 0 || q.Runs < 0
}

// HasTokens reports whether any token counts were supplied
func (q Quantities) HasTokens() bool {
	return q.InputUnits > 0 || q.OutputUnits > 0
}

// EffectiveRuns returns the run count, treating an unset value as one run
func (q Quantities) EffectiveRuns() int64 {
	if q.Runs <= 0 {
		return 1
	}
	return q.Runs
}

// UsageEvent is the audit record of one charged AI invocation.
// It is not persisted by the billing engine itself.
type UsageEvent struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	ModelKey            string          `json:"model_key"`
	Feature             string          `json:"feature"`
	Quantity            Quantities      `json:"quantity"`
	ComputedCostAmount  decimal.Decimal `json:"computed_cost_amount"`
	ComputedPriceAmount decimal.Decimal `json:"computed_price_amount"`
	FromIncluded        decimal.Decimal `json:"from_included"`
	Overage             decimal.Decimal `json:"overage"`
	DefaultMargin       bool            `json:"default_margin,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}
