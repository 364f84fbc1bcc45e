package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ai_billing/internal/utils"
)

// AlertEvent is emitted once per cycle when a ledger latch is set
type AlertEvent struct {
	UserID       string          `json:"user_id"`
	Kind         Transition      `json:"kind"`
	PercentUsed  decimal.Decimal `json:"percent_used"`
	Spent        decimal.Decimal `json:"spent"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	HardLimit    bool            `json:"hard_limit"`
	At           time.Time       `json:"at"`
}

// Alerter delivers spending alerts to users
type Alerter interface {
	Notify(ctx context.Context, event AlertEvent) error
}

// LogAlerter writes alerts to the log. It stands in until a notification
// channel (email, push) is wired.
type LogAlerter struct {
	logger *utils.Logger
}

// NewLogAlerter creates a log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: utils.NewLogger("spending-alerts")}
}

// Notify logs the alert
func (a *LogAlerter) Notify(ctx context.Context, event AlertEvent) error {
	a.logger.Warn("Spending alert",
		"user_id", event.UserID,
		"kind", string(event.Kind),
		"percent_used", event.PercentUsed.StringFixed(2),
		"spent", event.Spent.StringFixed(2),
		"monthly_limit", event.MonthlyLimit.StringFixed(2),
		"hard_limit", event.HardLimit,
	)
	return nil
}
