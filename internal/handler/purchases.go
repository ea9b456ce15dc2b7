package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/model"
	"github.com/dukerupert/valley/internal/store"
)

type PurchaseHandler struct {
	ledger *store.PurchaseStore
	logger *slog.Logger
}

func NewPurchaseHandler(ledger *store.PurchaseStore, logger *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{ledger: ledger, logger: logger}
}

// List returns the caller's purchases, newest first.
func (h *PurchaseHandler) List(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.ledger.ListByEmail(r.Context(), auth.Email(r.Context()))
	if err != nil {
		writeError(w, h.logger, "list purchases", err)
		return
	}
	if purchases == nil {
		purchases = []model.Purchase{}
	}
	writeJSON(w, http.StatusOK, purchases)
}
