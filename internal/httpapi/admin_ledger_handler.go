package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ai_billing/internal/models"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

// LedgerResponse is the admin view of a spending ledger
type LedgerResponse struct {
	UserID                string     `json:"user_id"`
	MonthlyLimitAmount    string     `json:"monthly_limit_amount"`
	CurrentMonthSpent     string     `json:"current_month_spent"`
	AlertThresholdPercent string     `json:"alert_threshold_percent"`
	HardLimit             bool       `json:"hard_limit"`
	State                 string     `json:"state"`
	PercentUsed           string     `json:"percent_used"`
	Remaining             string     `json:"remaining"`
	AlertSentAt           *time.Time `json:"alert_sent_at,omitempty"`
	LimitHitAt            *time.Time `json:"limit_hit_at,omitempty"`
	CycleStartedAt        time.Time  `json:"cycle_started_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func newLedgerResponse(l *models.SpendingLedger) LedgerResponse {
	return LedgerResponse{
		UserID:                l.UserID,
		MonthlyLimitAmount:    decimalString(l.MonthlyLimitAmount),
		CurrentMonthSpent:     decimalString(l.CurrentMonthSpent),
		AlertThresholdPercent: l.AlertThresholdPercent.String(),
		HardLimit:             l.HardLimit,
		State:                 string(l.State()),
		PercentUsed:           l.PercentUsed().StringFixed(1),
		Remaining:             decimalString(l.Remaining()),
		AlertSentAt:           l.AlertSentAt,
		LimitHitAt:            l.LimitHitAt,
		CycleStartedAt:        l.CycleStartedAt,
		UpdatedAt:             l.UpdatedAt,
	}
}

// handleGetLedger handles GET /admin/users/{userID}/ledger
func (d *Dependencies) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	ledger, err := d.Ledger.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrLedgerNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Spending ledger not found")
			return
		}
		d.logger.Error("Failed to load ledger", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to load ledger")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, newLedgerResponse(ledger))
}

// handleListOverThreshold handles GET /admin/ledgers/over-threshold?limit=N
func (d *Dependencies) handleListOverThreshold(w http.ResponseWriter, r *http.Request) {
	if d.Ledgers == nil {
		utils.RespondWithError(w, http.StatusNotImplemented, "Ledger listing not available")
		return
	}

	limit, ok := parseLimit(w, r, 100, 1000)
	if !ok {
		return
	}

	ledgers, err := d.Ledgers.ListOverThreshold(r.Context(), limit)
	if err != nil {
		d.logger.Error("Failed to list ledgers", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list ledgers")
		return
	}

	items := make([]LedgerResponse, 0, len(ledgers))
	for _, l := range ledgers {
		items = append(items, newLedgerResponse(l))
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"ledgers": items,
		"count":   len(items),
	})
}

// handleUpdateSpendingLimits handles PUT /admin/users/{userID}/spending-limits
func (d *Dependencies) handleUpdateSpendingLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var prefs models.SpendingPreferences
	if err := utils.DecodeJSON(w, r, &prefs, 1<<16); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	ledger, err := d.Ledger.UpdatePreferences(r.Context(), userID, prefs)
	if err != nil {
		var invalid models.ErrInvalidPreferences
		if errors.As(err, &invalid) {
			utils.RespondWithError(w, http.StatusBadRequest, invalid.Error())
			return
		}
		d.logger.Error("Failed to update spending limits", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to update spending limits")
		return
	}

	d.logger.Info("Spending limits updated",
		"user_id", userID,
		"monthly_limit", prefs.MonthlyLimitAmount.String(),
		"alert_threshold", prefs.AlertThresholdPercent.String(),
		"hard_limit", prefs.HardLimit,
	)
	utils.RespondWithJSON(w, http.StatusOK, newLedgerResponse(ledger))
}

// RolloverRequest optionally names the start of the new cycle
type RolloverRequest struct {
	CycleStart *time.Time `json:"cycle_start,omitempty"`
}

// handleRollover handles POST /admin/users/{userID}/rollover. Replaying a
// rollover for a cycle that already started is a no-op.
func (d *Dependencies) handleRollover(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req RolloverRequest
	if err := utils.DecodeJSON(w, r, &req, 1<<16); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	cycleStart := time.Now().UTC()
	if req.CycleStart != nil {
		cycleStart = *req.CycleStart
	}

	rolled, err := d.Ledger.Rollover(r.Context(), userID, cycleStart)
	if err != nil {
		d.logger.Error("Rollover failed", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Rollover failed")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"rolled_over": rolled,
		"cycle_start": cycleStart,
	})
}

// parseLimit reads ?limit=, writing a 400 when it is not a positive integer
func parseLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > max {
		limit = max
	}
	return limit, true
}
