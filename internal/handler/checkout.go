package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/purchase"
)

type CheckoutHandler struct {
	checkout   *purchase.Checkout
	reconciler *purchase.Reconciler
	logger     *slog.Logger
}

func NewCheckoutHandler(c *purchase.Checkout, r *purchase.Reconciler, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: c, reconciler: r, logger: logger}
}

func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID  string `json:"sessionId"`
		ChildID    string `json:"childId"`
		SuccessURL string `json:"successUrl"`
		CancelURL  string `json:"cancelUrl"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, "decode checkout request", err)
		return
	}

	ac, _ := auth.FromContext(r.Context())
	res, err := h.checkout.Create(r.Context(), purchase.CheckoutRequest{
		SessionID:  req.SessionID,
		ChildID:    req.ChildID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		BuyerEmail: ac.Email,
		BuyerName:  ac.Name,
	})
	if err != nil {
		writeError(w, h.logger, "create checkout", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Verify confirms a checkout from the return page. Caller mistakes are
// reported as errors; anything else degrades to pending_confirmation and is
// left to the webhook.
func (h *CheckoutHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID        string `json:"sessionId"`
		ProductSessionID string `json:"productSessionId"`
		SessionTitle     string `json:"sessionTitle"`
		ChildID          string `json:"childId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, "decode verify request", err)
		return
	}

	res, err := h.reconciler.Verify(r.Context(), auth.Email(r.Context()), purchase.VerifyRequest{
		CheckoutSessionID: req.SessionID,
		ProductSessionID:  req.ProductSessionID,
		SessionTitle:      req.SessionTitle,
		ChildID:           req.ChildID,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case purchase.ErrUnauthorized.Has(err),
		purchase.ErrValidation.Has(err),
		purchase.ErrPaymentNotCompleted.Has(err):
		writeError(w, h.logger, "verify checkout", err)
	default:
		h.logger.Error("verify checkout", "checkout_session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"sessionId":     req.SessionID,
			"paymentStatus": "pending_confirmation",
		})
	}
}
