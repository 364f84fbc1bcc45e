package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ai_billing/internal/queue"
	"ai_billing/internal/reporter"
	"ai_billing/internal/utils"
)

// DeadLetterResponse is one parked overage report
type DeadLetterResponse struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	UsageEventID   string    `json:"usage_event_id"`
	Amount         string    `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	Redrives       int       `json:"redrives"`
	Error          string    `json:"error"`
	ParkedAt       time.Time `json:"parked_at"`
}

// handleListDeadLetters handles GET /admin/reports/dead-letters?limit=N
func (d *Dependencies) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100, 1000)
	if !ok {
		return
	}

	items, err := d.Reports.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		if errors.Is(err, reporter.ErrDeadLetterDisabled) {
			utils.RespondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		d.logger.Error("Failed to list dead letters", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}

	resp := make([]DeadLetterResponse, 0, len(items))
	for _, item := range items {
		entry := DeadLetterResponse{ID: item.ID, Error: item.Error, ParkedAt: item.Timestamp}
		if report := item.Item; report != nil {
			entry.UserID = report.UserID
			entry.UsageEventID = report.UsageEventID
			entry.Amount = report.Amount.String()
			entry.IdempotencyKey = report.IdempotencyKey
			entry.Redrives = report.Redrives
		}
		resp = append(resp, entry)
	}

	queued, err := d.Reports.GetQueueLength(r.Context())
	if err != nil {
		d.logger.Warn("Failed to read report queue length", "error", err)
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": resp,
		"count":        len(resp),
		"queue_length": queued,
	})
}

// handleRetryDeadLetter handles POST /admin/reports/dead-letters/{id}/retry
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := d.Reports.RetryDeadLetterItem(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, queue.ErrItemNotFound):
			utils.RespondWithError(w, http.StatusNotFound, "Dead letter not found")
		case errors.Is(err, reporter.ErrDeadLetterDisabled):
			utils.RespondWithError(w, http.StatusNotFound, err.Error())
		default:
			d.logger.Error("Failed to retry dead letter", "id", id, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Failed to retry dead letter")
		}
		return
	}

	utils.RespondWithJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "requeued"})
}

// handleRedrive handles POST /admin/reports/redrive
func (d *Dependencies) handleRedrive(w http.ResponseWriter, r *http.Request) {
	moved, err := d.Reports.Redrive(r.Context())
	if err != nil {
		if errors.Is(err, reporter.ErrDeadLetterDisabled) {
			utils.RespondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		d.logger.Error("Redrive failed", "moved", moved, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Redrive failed")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]int{"requeued": moved})
}
