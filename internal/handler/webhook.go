package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/valley/internal/purchase"
)

const maxWebhookBody = 65536

type WebhookHandler struct {
	reconciler *purchase.Reconciler
	logger     *slog.Logger
}

func NewWebhookHandler(r *purchase.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: r, logger: logger}
}

// HandleStripeWebhook always answers with JSON. A 500 asks the gateway to
// redeliver.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body", "code": "validation_error"})
		return
	}

	result, err := h.reconciler.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if purchase.ErrSignature.Has(err) || purchase.ErrValidation.Has(err) {
			writeError(w, h.logger, "reject webhook", err)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Webhook processing failed",
			"code":    purchase.Code(err),
			"eventId": result.EventID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"eventId":  result.EventID,
		"outcome":  result.Outcome,
	})
}
