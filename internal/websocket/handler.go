package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/valley/internal/auth"
)

// HandleWebSocket upgrades an authenticated request and streams the caller's
// purchase updates until the connection closes.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := auth.Email(r.Context())
		if email == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		defer conn.CloseNow()

		err = NewClient(hub, conn, email).Serve(r.Context())
		switch ws.CloseStatus(err) {
		case ws.StatusNormalClosure, ws.StatusGoingAway:
			return
		}
		if err != nil {
			logger.Debug("websocket closed", "error", err)
			return
		}
		conn.Close(ws.StatusNormalClosure, "")
	}
}
