package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BillingMode selects how a model invocation is metered (stored as TEXT in Postgres)
type BillingMode string

const (
	BillingModePerToken BillingMode = "PER_TOKEN"
	BillingModePerRun   BillingMode = "PER_RUN"
)

// DefaultUnitSize is the conventional "per one million units" scale of
// provider token rates.
const DefaultUnitSize int64 = 1_000_000

// IsValid reports whether the mode is one of the known billing modes
func (m BillingMode) IsValid() bool {
	return m == BillingModePerToken || m == BillingModePerRun
}

//
// ModelPricingConfig (model_pricing table / pricing YAML)
//

// ModelPricingConfig carries provider cost and margin for one model key.
// Customer prices are never stored; they are derived from cost and margin.
type ModelPricingConfig struct {
	ModelKey    string      `db:"model_key" json:"model_key" yaml:"model_key"`
	BillingMode BillingMode `db:"billing_mode" json:"billing_mode" yaml:"billing_mode"`

	// Token rates are expressed per UnitSize units
	CostPerInputUnit  decimal.Decimal `db:"cost_per_input_unit" json:"cost_per_input_unit" yaml:"cost_per_input_unit"`
	CostPerOutputUnit decimal.Decimal `db:"cost_per_output_unit" json:"cost_per_output_unit" yaml:"cost_per_output_unit"`
	CostPerRun        decimal.Decimal `db:"cost_per_run" json:"cost_per_run" yaml:"cost_per_run"`

	MarginPercent decimal.Decimal `db:"margin_percent" json:"margin_percent" yaml:"margin_percent"`
	UnitSize      int64           `db:"unit_size" json:"unit_size" yaml:"unit_size"`
	Active        bool            `db:"active" json:"active" yaml:"active"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at" yaml:"-"`
}

// MarginMultiplier returns 1 + marginPercent/100
func (c *ModelPricingConfig) MarginMultiplier() decimal.Decimal {
	return MarginMultiplier(c.MarginPercent)
}

// MarginMultiplier converts a margin percentage into a price multiplier
func MarginMultiplier(marginPercent decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(marginPercent.Div(decimal.NewFromInt(100)))
}

// PricePerInputUnit is the customer price for UnitSize input units
func (c *ModelPricingConfig) PricePerInputUnit() decimal.Decimal {
	return c.CostPerInputUnit.Mul(c.MarginMultiplier())
}

// PricePerOutputUnit is the customer price for UnitSize output units
func (c *ModelPricingConfig) PricePerOutputUnit() decimal.Decimal {
	return c.CostPerOutputUnit.Mul(c.MarginMultiplier())
}

// PricePerRun is the customer price for one run
func (c *ModelPricingConfig) PricePerRun() decimal.Decimal {
	return c.CostPerRun.Mul(c.MarginMultiplier())
}

// EffectiveUnitSize returns UnitSize, falling back to DefaultUnitSize when unset
func (c *ModelPricingConfig) EffectiveUnitSize() int64 {
	if c.UnitSize <= 0 {
		return DefaultUnitSize
	}
	return c.UnitSize
}

// Validate checks the config for internally consistent values
func (c *ModelPricingConfig) Validate() error {
	if c.ModelKey == "" {
		return fmt.Errorf("model_key is required")
	}
	if !c.BillingMode.IsValid() {
		return fmt.Errorf("model %s: unknown billing_mode %q", c.ModelKey, c.BillingMode)
	}
	if c.CostPerInputUnit.IsNegative() || c.CostPerOutputUnit.IsNegative() || c.CostPerRun.IsNegative() {
		return fmt.Errorf("model %s: costs must not be negative", c.ModelKey)
	}
	if c.MarginPercent.LessThanOrEqual(decimal.NewFromInt(-100)) {
		return fmt.Errorf("model %s: margin_percent must be greater than -100", c.ModelKey)
	}
	if c.UnitSize < 0 {
		return fmt.Errorf("model %s: unit_size must not be negative", c.ModelKey)
	}
	return nil
}
