package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ai_billing/internal/models"
)

const pricingColumns = `
	model_key, billing_mode, cost_per_input_unit, cost_per_output_unit, cost_per_run,
	margin_percent, unit_size, active, updated_at`

// PricingRepository handles model_pricing rows
type PricingRepository struct {
	db *DB
}

// NewPricingRepository creates a new pricing repository
func NewPricingRepository(db *DB) *PricingRepository {
	return &PricingRepository{db: db}
}

// ListPricing returns every pricing row, active or not
func (r *PricingRepository) ListPricing(ctx context.Context) ([]models.ModelPricingConfig, error) {
	query := `SELECT` + pricingColumns + `
		FROM model_pricing
		ORDER BY model_key
	`

	var configs []models.ModelPricingConfig
	if err := r.db.conn.SelectContext(ctx, &configs, query); err != nil {
		return nil, fmt.Errorf("failed to list model pricing: %w", err)
	}

	return configs, nil
}

// Get retrieves one model's pricing
func (r *PricingRepository) Get(ctx context.Context, modelKey string) (*models.ModelPricingConfig, error) {
	query := `SELECT` + pricingColumns + `
		FROM model_pricing
		WHERE model_key = $1
	`

	var cfg models.ModelPricingConfig
	if err := r.db.conn.GetContext(ctx, &cfg, query, modelKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPricingNotFound
		}
		return nil, fmt.Errorf("failed to get model pricing: %w", err)
	}

	return &cfg, nil
}

// Upsert validates and stores one model's pricing
func (r *PricingRepository) Upsert(ctx context.Context, cfg *models.ModelPricingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO model_pricing (
			model_key, billing_mode, cost_per_input_unit, cost_per_output_unit, cost_per_run,
			margin_percent, unit_size, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (model_key) DO UPDATE
		SET billing_mode = EXCLUDED.billing_mode,
			cost_per_input_unit = EXCLUDED.cost_per_input_unit,
			cost_per_output_unit = EXCLUDED.cost_per_output_unit,
			cost_per_run = EXCLUDED.cost_per_run,
			margin_percent = EXCLUDED.margin_percent,
			unit_size = EXCLUDED.unit_size,
			active = EXCLUDED.active,
			updated_at = NOW()
	`

	_, err := r.db.conn.ExecContext(ctx, query,
		cfg.ModelKey,
		cfg.BillingMode,
		cfg.CostPerInputUnit,
		cfg.CostPerOutputUnit,
		cfg.CostPerRun,
		cfg.MarginPercent,
		cfg.EffectiveUnitSize(),
		cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert model pricing: %w", err)
	}

	return nil
}
