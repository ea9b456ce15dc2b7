package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/middleware"
	"github.com/dukerupert/valley/internal/purchase"
	"github.com/dukerupert/valley/internal/store"
)

// MagicLinkSender delivers sign-in links.
type MagicLinkSender interface {
	SendMagicLink(ctx context.Context, toEmail, token string) error
}

type AuthHandler struct {
	accounts     *store.AccountStore
	sessions     *store.LoginSessionStore
	tokens       *auth.Tokens
	mailer       MagicLinkSender
	secureCookie bool
	logger       *slog.Logger
}

func NewAuthHandler(
	as *store.AccountStore,
	ss *store.LoginSessionStore,
	tokens *auth.Tokens,
	mailer MagicLinkSender,
	baseURL string,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		accounts:     as,
		sessions:     ss,
		tokens:       tokens,
		mailer:       mailer,
		secureCookie: strings.HasPrefix(baseURL, "https://"),
		logger:       logger,
	}
}

// Login emails a magic link. The response is the same whether or not the
// address has an account.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, "decode login request", err)
		return
	}
	email := purchase.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, h.logger, "login", purchase.ErrValidation.New("valid email is required"))
		return
	}

	token, err := h.tokens.Issue(email, strings.TrimSpace(req.Name))
	if err != nil {
		h.logger.Error("issue magic link", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error", "code": "internal_error"})
		return
	}
	if err := h.mailer.SendMagicLink(r.Context(), email, token); err != nil {
		h.logger.Error("send magic link", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// Verify redeems a magic link and starts a login session.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	email, name, err := h.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Redirect(w, r, "/login?error=invalid_link", http.StatusSeeOther)
		return
	}

	account, err := h.accounts.GetOrCreate(r.Context(), email, name)
	if err != nil {
		h.logger.Error("get or create account", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sess, err := h.sessions.Create(r.Context(), account.ID)
	if err != nil {
		h.logger.Error("create login session", "account_id", account.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	h.logger.Info("login session created", "account_id", account.ID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		if sess, err := h.sessions.GetByToken(r.Context(), cookie.Value); err == nil && sess != nil {
			if err := h.sessions.Delete(r.Context(), sess.ID); err != nil {
				h.logger.Error("delete login session", "error", err)
			}
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}
