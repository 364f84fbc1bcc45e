// Package pricing turns model invocations into provider cost and customer
// price. Configs are held in an immutable Snapshot that sources (YAML file,
// database) swap atomically; resolution itself has no side effects.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"ai_billing/internal/models"
	"ai_billing/internal/utils"
)

// WildcardModelKey names the pricing entry used as the cost basis for
// models without their own config.
const WildcardModelKey = "*"

// DefaultMarginPercent is the margin for models without their own config
const DefaultMarginPercent = 40

// Quote is the resolved charge for one invocation
type Quote struct {
	ModelKey             string             `json:"model_key"`
	BillingMode          models.BillingMode `json:"billing_mode"`
	CostAmount           decimal.Decimal    `json:"cost_amount"`
	PriceAmount          decimal.Decimal    `json:"price_amount"`
	DefaultMarginApplied bool               `json:"default_margin_applied,omitempty"`
}

// Snapshot is an immutable set of pricing configs keyed by model
type Snapshot struct {
	configs map[string]models.ModelPricingConfig
}

// NewSnapshot validates configs and builds a snapshot. Duplicate keys are rejected.
func NewSnapshot(configs []models.ModelPricingConfig) (*Snapshot, error) {
	s := &Snapshot{configs: make(map[string]models.ModelPricingConfig, len(configs))}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, exists := s.configs[cfg.ModelKey]; exists {
			return nil, fmt.Errorf("duplicate pricing config for model %s", cfg.ModelKey)
		}
		s.configs[cfg.ModelKey] = cfg
	}
	return s, nil
}

// Len returns the number of configs in the snapshot
func (s *Snapshot) Len() int {
	return len(s.configs)
}

// Configs returns every config in the snapshot, inactive ones included, sorted by model key
func (s *Snapshot) Configs() []models.ModelPricingConfig {
	out := make([]models.ModelPricingConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelKey < out[j].ModelKey })
	return out
}

// Lookup returns the active config for a model key
func (s *Snapshot) Lookup(modelKey string) (models.ModelPricingConfig, bool) {
	cfg, ok := s.configs[modelKey]
	if !ok || !cfg.Active {
		return models.ModelPricingConfig{}, false
	}
	return cfg, true
}

// FallbackRates are the cost rates used for unknown models when the snapshot
// carries no wildcard entry.
type FallbackRates struct {
	CostPerInputUnit  decimal.Decimal
	CostPerOutputUnit decimal.Decimal
	CostPerRun        decimal.Decimal
	UnitSize          int64
}

// Resolver prices invocations against the current snapshot. The fallback
// rates and default margin are fixed at construction.
type Resolver struct {
	snapshot      atomic.Pointer[Snapshot]
	fallback      FallbackRates
	defaultMargin decimal.Decimal
	logger        *utils.Logger
}

// NewResolver creates a resolver with an empty snapshot. defaultMarginPercent
// is the margin Fallback applies to models without config.
func NewResolver(fallback FallbackRates, defaultMarginPercent decimal.Decimal) *Resolver {
	r := &Resolver{
		fallback:      fallback,
		defaultMargin: defaultMarginPercent,
		logger:        utils.NewLogger("pricing"),
	}
	r.snapshot.Store(&Snapshot{configs: map[string]models.ModelPricingConfig{}})
	return r
}

// Swap replaces the active snapshot
func (r *Resolver) Swap(s *Snapshot) {
	if err := checkFallbackBasis(s, r.fallback); err != nil {
		r.logger.Warn("Pricing snapshot leaves unknown models unpriced", "error", err)
	}
	r.snapshot.Store(s)
}

// ValidateFallback fails with ErrFallbackUnpriced when models without config
// would be charged nothing: the active snapshot has no wildcard entry and
// the fallback rates are zero for tokens or runs.
func (r *Resolver) ValidateFallback() error {
	return checkFallbackBasis(r.Snapshot(), r.fallback)
}

func checkFallbackBasis(s *Snapshot, fallback FallbackRates) error {
	basis, source := fallbackBasis(s, fallback), "fallback rates"
	if _, ok := s.Lookup(WildcardModelKey); ok {
		source = "wildcard entry"
	}
	if !basis.CostPerInputUnit.IsPositive() && !basis.CostPerOutputUnit.IsPositive() {
		return fmt.Errorf("%w: %s have no token cost", ErrFallbackUnpriced, source)
	}
	if !basis.CostPerRun.IsPositive() {
		return fmt.Errorf("%w: %s have no per-run cost", ErrFallbackUnpriced, source)
	}
	return nil
}

// fallbackBasis is the wildcard entry when active, else the fallback rates
func fallbackBasis(s *Snapshot, fallback FallbackRates) models.ModelPricingConfig {
	if basis, ok := s.Lookup(WildcardModelKey); ok {
		return basis
	}
	return models.ModelPricingConfig{
		CostPerInputUnit:  fallback.CostPerInputUnit,
		CostPerOutputUnit: fallback.CostPerOutputUnit,
		CostPerRun:        fallback.CostPerRun,
		UnitSize:          fallback.UnitSize,
	}
}

// Snapshot returns the active snapshot
func (r *Resolver) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Resolve prices an invocation with the model's own config.
// ErrConfigNotFound is returned for missing or inactive configs.
func (r *Resolver) Resolve(modelKey string, q models.Quantities) (Quote, error) {
	if q.IsNegative() {
		return Quote{}, ErrInvalidQuantities
	}
	cfg, ok := r.Snapshot().Lookup(modelKey)
	if !ok {
		return Quote{}, fmt.Errorf("model %s: %w", modelKey, ErrConfigNotFound)
	}
	return quote(modelKey, cfg, cfg.MarginMultiplier(), q), nil
}

// Fallback prices an invocation of a model without config. The cost basis is
// the wildcard entry when present, otherwise the configured fallback rates;
// the margin is always the default margin.
func (r *Resolver) Fallback(modelKey string, q models.Quantities) (Quote, error) {
	if q.IsNegative() {
		return Quote{}, ErrInvalidQuantities
	}

	basis := fallbackBasis(r.Snapshot(), r.fallback)
	// Unknown models are metered by what the caller reported
	basis.BillingMode = models.BillingModePerToken
	if !q.HasTokens() && q.Runs > 0 {
		basis.BillingMode = models.BillingModePerRun
	}

	result := quote(modelKey, basis, models.MarginMultiplier(r.defaultMargin), q)
	result.DefaultMarginApplied = true
	return result, nil
}

// ResolveOrFallback resolves and, on ErrConfigNotFound, logs a warning and
// falls back to default-margin pricing. Only invalid quantities fail.
func (r *Resolver) ResolveOrFallback(modelKey string, q models.Quantities) (Quote, error) {
	result, err := r.Resolve(modelKey, q)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, ErrConfigNotFound) {
		return Quote{}, err
	}

	r.logger.Warn("Pricing config not found, applying default margin",
		"model_key", modelKey, "margin_percent", r.defaultMargin.String())
	return r.Fallback(modelKey, q)
}

// quote computes cost and price with the given margin multiplier. Token rates
// are scaled by the unit size for both cost and price; nothing is rounded here.
func quote(modelKey string, cfg models.ModelPricingConfig, multiplier decimal.Decimal, q models.Quantities) Quote {
	var cost decimal.Decimal
	switch cfg.BillingMode {
	case models.BillingModePerRun:
		cost = cfg.CostPerRun.Mul(decimal.NewFromInt(q.EffectiveRuns()))
	default:
		units := decimal.NewFromInt(cfg.EffectiveUnitSize())
		cost = decimal.NewFromInt(q.InputUnits).Mul(cfg.CostPerInputUnit).
			Add(decimal.NewFromInt(q.OutputUnits).Mul(cfg.CostPerOutputUnit)).
			Div(units)
	}

	return Quote{
		ModelKey:    modelKey,
		BillingMode: cfg.BillingMode,
		CostAmount:  cost,
		PriceAmount: cost.Mul(multiplier),
	}
}
