package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/valley/internal/purchase"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error", "code"} with the status of its kind.
// Server-side failures are logged; the message never carries internals.
func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status := purchase.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	} else {
		logger.Warn(msg, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": purchase.Message(err),
		"code":  purchase.Code(err),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return purchase.ErrValidation.New("invalid JSON: %v", err)
	}
	return nil
}
