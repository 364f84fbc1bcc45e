package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ai_billing/internal/billing"
	"ai_billing/internal/middleware"
	"ai_billing/internal/utils"
)

// handleRecordUsage handles POST /v1/usage. It is called only after the AI
// invocation succeeded. A 503 means nothing was charged and the caller may
// retry with the same event_id.
func (d *Dependencies) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req billing.UsageRequest
	if err := utils.DecodeJSON(w, r, &req, 1<<20); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	receipt, err := d.Engine.RecordUsage(r.Context(), req)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidUsage) {
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		d.logger.Error("Failed to record usage",
			"user_id", req.UserID,
			"event_id", req.EventID,
			"caller", middleware.GetSubject(r.Context()),
			"error", err,
		)
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Usage could not be recorded, retry with the same event_id")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, receipt)
}

// CheckResponse is the pre-use check result
type CheckResponse struct {
	UserID      string `json:"user_id"`
	Allowed     bool   `json:"allowed"`
	PercentUsed string `json:"percent_used"`
	Remaining   string `json:"remaining"`
	Unlimited   bool   `json:"unlimited"`
	State       string `json:"state"`
	Message     string `json:"message,omitempty"`
}

// handleCheckSpending handles GET /v1/users/{userID}/spending/check.
// A denied check answers 402 with the user-facing message.
func (d *Dependencies) handleCheckSpending(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	result, err := d.Gate.CheckBeforeUse(r.Context(), userID)
	if err != nil {
		d.logger.Error("Spending check failed", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Spending check unavailable")
		return
	}

	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusPaymentRequired
	}
	utils.RespondWithJSON(w, status, CheckResponse{
		UserID:      userID,
		Allowed:     result.Allowed,
		PercentUsed: result.PercentUsed.StringFixed(1),
		Remaining:   decimalString(result.Remaining),
		Unlimited:   result.Unlimited,
		State:       string(result.State),
		Message:     result.Message,
	})
}
