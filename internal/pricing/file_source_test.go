package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai_billing/internal/models"
)

const pricingYAML = `
models:
  - model_key: gpt-4o
    billing_mode: PER_TOKEN
    cost_per_input_unit: "2.50"
    cost_per_output_unit: 10
    margin_percent: 50
  - model_key: flux-pro
    billing_mode: PER_RUN
    cost_per_run: "0.05"
    margin_percent: 100
  - model_key: old-model
    billing_mode: PER_RUN
    cost_per_run: "1"
    margin_percent: 10
    active: false
`

func TestParseSnapshot(t *testing.T) {
	snapshot, err := ParseSnapshot([]byte(pricingYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, snapshot.Len())

	cfg, ok := snapshot.Lookup("gpt-4o")
	require.True(t, ok)
	assert.True(t, d("2.5").Equal(cfg.CostPerInputUnit))
	assert.True(t, d("10").Equal(cfg.CostPerOutputUnit))
	assert.True(t, cfg.Active, "entries default to active")

	_, ok = snapshot.Lookup("old-model")
	assert.False(t, ok, "inactive entries are not resolvable")
}

func TestParseSnapshot_Invalid(t *testing.T) {
	_, err := ParseSnapshot([]byte("models: [ {model_key: x, billing_mode: HOURLY} ]"))
	assert.Error(t, err)

	_, err = ParseSnapshot([]byte("models: {not: a list"))
	assert.Error(t, err)
}

func TestFileSource_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pricingYAML), 0o644))

	r := NewResolver(FallbackRates{}, decimal.NewFromInt(DefaultMarginPercent))
	src, err := NewFileSource(path, r)
	require.NoError(t, err)

	reloaded := make(chan *Snapshot, 4)
	src.OnReload(func(s *Snapshot) {
		select {
		case reloaded <- s:
		default:
		}
	})
	require.NoError(t, src.Watch())
	defer src.Stop()

	_, err = r.Resolve("gpt-4o", models.Quantities{InputUnits: 1})
	require.NoError(t, err)

	updated := `
models:
  - model_key: claude-sonnet
    billing_mode: PER_TOKEN
    cost_per_input_unit: 3
    cost_per_output_unit: 15
    margin_percent: 40
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("pricing file change was not picked up")
	}

	assert.Eventually(t, func() bool {
		_, err := r.Resolve("claude-sonnet", models.Quantities{InputUnits: 1})
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	_, err = r.Resolve("gpt-4o", models.Quantities{InputUnits: 1})
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestFileSource_BadReloadKeepsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pricingYAML), 0o644))

	r := NewResolver(FallbackRates{}, decimal.NewFromInt(DefaultMarginPercent))
	src, err := NewFileSource(path, r)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("models: [ {model_key: ''} ]"), 0o644))
	assert.Error(t, src.Reload())

	_, err = r.Resolve("flux-pro", models.Quantities{Runs: 1})
	assert.NoError(t, err)
}

type stubLoader struct {
	configs []models.ModelPricingConfig
	err     error
}

func (s *stubLoader) ListPricing(ctx context.Context) ([]models.ModelPricingConfig, error) {
	return s.configs, s.err
}

func TestRefresher_Refresh(t *testing.T) {
	r := NewResolver(FallbackRates{}, decimal.NewFromInt(DefaultMarginPercent))
	loader := &stubLoader{configs: []models.ModelPricingConfig{textModel}}
	refresher := NewRefresher(loader, r, time.Minute)

	require.NoError(t, refresher.Refresh(context.Background()))
	_, err := r.Resolve("gpt-4o", models.Quantities{InputUnits: 10})
	assert.NoError(t, err)

	loader.err = errors.New("db down")
	assert.Error(t, refresher.Refresh(context.Background()))
	_, err = r.Resolve("gpt-4o", models.Quantities{InputUnits: 10})
	assert.NoError(t, err, "failed refresh keeps previous snapshot")
}

func TestRefresher_StartStop(t *testing.T) {
	r := NewResolver(FallbackRates{}, decimal.NewFromInt(DefaultMarginPercent))
	loader := &stubLoader{configs: []models.ModelPricingConfig{imageModel}}
	refresher := NewRefresher(loader, r, 10*time.Millisecond)

	refresher.Start(context.Background())
	assert.Eventually(t, func() bool {
		_, err := r.Resolve("flux-pro", models.Quantities{Runs: 1})
		return err == nil
	}, time.Second, 10*time.Millisecond)
	refresher.Stop()
}
