package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/store"
)

// SessionCookieName is the cookie holding the login session token.
const SessionCookieName = "valley_session"

// Authenticator resolves the session cookie into an AuthContext.
type Authenticator struct {
	sessions *store.LoginSessionStore
	accounts *store.AccountStore
	logger   *slog.Logger
}

func NewAuthenticator(sessions *store.LoginSessionStore, accounts *store.AccountStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{sessions: sessions, accounts: accounts, logger: logger}
}

func (a *Authenticator) resolve(r *http.Request) (auth.AuthContext, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return auth.AuthContext{}, false
	}

	sess, err := a.sessions.GetByToken(r.Context(), cookie.Value)
	if err != nil {
		a.logger.Error("get login session", "error", err)
		return auth.AuthContext{}, false
	}
	if sess == nil {
		return auth.AuthContext{}, false
	}

	account, err := a.accounts.GetByID(r.Context(), sess.AccountID)
	if err != nil {
		a.logger.Error("get account", "account_id", sess.AccountID, "error", err)
		return auth.AuthContext{}, false
	}
	if account == nil {
		return auth.AuthContext{}, false
	}

	return auth.AuthContext{
		AccountID: account.ID,
		Email:     account.Email,
		Name:      account.Name,
		SessionID: sess.ID,
	}, true
}

// RequireAuth rejects requests without a valid session with a 401 JSON body.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := a.resolve(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "Authentication required",
				"code":  "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), ac)))
	})
}

// OptionalAuth attaches the identity when present and serves anonymous
// requests unchanged.
func (a *Authenticator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ac, ok := a.resolve(r); ok {
			r = r.WithContext(auth.WithAuth(r.Context(), ac))
		}
		next.ServeHTTP(w, r)
	})
}
