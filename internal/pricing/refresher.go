package pricing

import (
	"context"
	"time"

	"ai_billing/internal/models"
	"ai_billing/internal/utils"
)

// Loader lists the pricing table from a backing store
type Loader interface {
	ListPricing(ctx context.Context) ([]models.ModelPricingConfig, error)
}

// Refresher periodically reloads the resolver snapshot from a Loader
type Refresher struct {
	loader   Loader
	resolver *Resolver
	interval time.Duration
	logger   *utils.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewRefresher creates a refresher; call Refresh once before Start to fail fast
func NewRefresher(loader Loader, resolver *Resolver, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{
		loader:      loader,
		resolver:    resolver,
		interval:    interval,
		logger:      utils.NewLogger("pricing-refresher"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Refresh loads the table and swaps the snapshot
func (r *Refresher) Refresh(ctx context.Context) error {
	configs, err := r.loader.ListPricing(ctx)
	if err != nil {
		return err
	}
	snapshot, err := NewSnapshot(configs)
	if err != nil {
		return err
	}
	r.resolver.Swap(snapshot)
	r.logger.Debug("Pricing table refreshed", "models", snapshot.Len())
	return nil
}

// Start runs the refresh loop in a goroutine
func (r *Refresher) Start(ctx context.Context) {
	go func() {
		defer close(r.stoppedChan)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.Error("Pricing refresh failed, keeping previous table", "error", err)
				}
			}
		}
	}()
}

// Stop stops the refresh loop
func (r *Refresher) Stop() {
	close(r.stopChan)
	<-r.stoppedChan
}
