package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/medclear/medclear/internal/metrics"
	"github.com/medclear/medclear/pkg/response"
)

const maxWebhookBody = 65536

// Reconciler is the slice of the offer service the webhook handler drives.
// Offers are looked up by intent id, never by a client-supplied id.
type Reconciler interface {
	ApplyPaymentSucceeded(ctx context.Context, intentID, reference string) error
	ApplyPaymentFailed(ctx context.Context, intentID, reason string) error
}

// WebhookHandler receives payment-processor events, verifies their signature
// against the raw body, and reconciles them into offer transitions.
type WebhookHandler struct {
	verifier WebhookVerifier
	offers   Reconciler
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(verifier WebhookVerifier, offers Reconciler) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, offers: offers}
}

// Handle processes POSTed webhook events. Signature failures are rejected
// with 400 and never processed. Everything else is acknowledged with 200,
// including internal processing errors, so the processor does not retry into
// duplicated side effects; idempotent transitions make redelivery safe.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Failed to read request body")
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			metrics.WebhookEvents.WithLabelValues("unknown", "signature_invalid").Inc()
			response.Error(w, http.StatusBadRequest, "SIGNATURE_INVALID", "Webhook signature verification failed")
			return
		}
		response.BadRequest(w, "Malformed webhook payload")
		return
	}

	switch event.Kind {
	case EventPaymentSucceeded:
		if err := h.offers.ApplyPaymentSucceeded(r.Context(), event.PaymentIntentID, event.Reference); err != nil {
			slog.Error("webhook: failed to apply payment success",
				"event_id", event.ID, "intent_id", event.PaymentIntentID, "error", err)
			metrics.WebhookEvents.WithLabelValues(string(event.Kind), "error").Inc()
		} else {
			metrics.WebhookEvents.WithLabelValues(string(event.Kind), "ok").Inc()
		}
	case EventPaymentFailed:
		if err := h.offers.ApplyPaymentFailed(r.Context(), event.PaymentIntentID, event.FailureReason); err != nil {
			slog.Error("webhook: failed to apply payment failure",
				"event_id", event.ID, "intent_id", event.PaymentIntentID, "error", err)
			metrics.WebhookEvents.WithLabelValues(string(event.Kind), "error").Inc()
		} else {
			metrics.WebhookEvents.WithLabelValues(string(event.Kind), "ok").Inc()
		}
	case EventAccountUpdated:
		// Informational only; the pay action re-checks account status anyway.
		slog.Info("webhook: connected account updated", "account_id", event.AccountID)
		metrics.WebhookEvents.WithLabelValues(string(event.Kind), "ok").Inc()
	default:
		metrics.WebhookEvents.WithLabelValues(string(EventIgnored), "ok").Inc()
	}

	response.JSON(w, http.StatusOK, map[string]bool{"received": true})
}
