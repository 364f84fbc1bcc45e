package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"ai_billing/internal/models"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

const maxWebhookBody = 65536

// handleStripeWebhook handles POST /webhooks/stripe.
//
//   - invoice.created with billing_reason=subscription_cycle starts a new
//     spending cycle at the end of the invoiced period
//   - customer.subscription.updated/deleted mirror the subscription status
//     and roll the ledger over when the period advanced
//
// Events for unknown subscriptions are acknowledged so Stripe stops
// redelivering them; storage failures answer 500 so it retries.
func (d *Dependencies) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if d.StripeWebhookSecret == "" {
		utils.RespondWithError(w, http.StatusNotFound, "Webhooks not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		utils.RespondWithError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), d.StripeWebhookSecret)
	if err != nil {
		d.logger.Warn("Rejected Stripe webhook", "error", err)
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	switch event.Type {
	case "invoice.created":
		err = d.onInvoiceCreated(r, event)
	case "customer.subscription.updated", "customer.subscription.deleted":
		err = d.onSubscriptionChanged(r, event)
	default:
		d.logger.Debug("Ignoring Stripe event", "type", event.Type, "id", event.ID)
	}

	if err != nil {
		var malformed *json.SyntaxError
		if errors.As(err, &malformed) {
			utils.RespondWithError(w, http.StatusBadRequest, "Malformed event data")
			return
		}
		d.logger.Error("Failed to handle Stripe event", "type", event.Type, "id", event.ID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to handle event")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (d *Dependencies) onInvoiceCreated(r *http.Request, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return err
	}
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle || invoice.Subscription == nil {
		return nil
	}

	sub, err := d.Subscriptions.GetByStripeSubscriptionID(r.Context(), invoice.Subscription.ID)
	if errors.Is(err, storage.ErrSubscriptionNotFound) {
		d.logger.Warn("Cycle invoice for unknown subscription", "subscription_id", invoice.Subscription.ID)
		return nil
	}
	if err != nil {
		return err
	}

	// The invoice covers the period that just ended
	cycleStart := time.Unix(invoice.PeriodEnd, 0)
	if invoice.PeriodEnd == 0 {
		cycleStart = time.Unix(event.Created, 0)
	}

	rolled, err := d.Ledger.Rollover(r.Context(), sub.UserID, cycleStart)
	if err != nil {
		return err
	}
	d.logger.Info("Processed cycle invoice", "user_id", sub.UserID, "cycle_start", cycleStart, "rolled_over", rolled)
	return nil
}

func (d *Dependencies) onSubscriptionChanged(r *http.Request, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	status := mapStripeStatus(sub.Status)
	if event.Type == "customer.subscription.deleted" {
		status = models.SubscriptionStatusCanceled
	}
	periodStart := time.Unix(sub.CurrentPeriodStart, 0)

	userID, err := d.Subscriptions.UpdateStatus(r.Context(), sub.ID, status, periodStart)
	if errors.Is(err, storage.ErrSubscriptionNotFound) {
		d.logger.Warn("Status change for unknown subscription", "subscription_id", sub.ID)
		return nil
	}
	if err != nil {
		return err
	}

	if sub.CurrentPeriodStart > 0 && status.IsBillable() {
		if _, err := d.Ledger.Rollover(r.Context(), userID, periodStart); err != nil {
			return err
		}
	}
	d.logger.Info("Subscription status updated", "user_id", userID, "status", status)
	return nil
}

func mapStripeStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return models.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return models.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return models.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return models.SubscriptionStatusCanceled
	default:
		// unpaid, incomplete and paused are stored as-is and are not billable
		return models.SubscriptionStatus(status)
	}
}
