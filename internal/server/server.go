package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/handler"
	"github.com/dukerupert/valley/internal/metrics"
	"github.com/dukerupert/valley/internal/middleware"
	"github.com/dukerupert/valley/internal/purchase"
	"github.com/dukerupert/valley/internal/store"
	ws "github.com/dukerupert/valley/internal/websocket"
)

type Config struct {
	BaseURL   string
	WSOrigins []string

	Gateway  purchase.Gateway
	Notifier purchase.Notifier
	Mailer   handler.MagicLinkSender
	Tokens   *auth.Tokens

	GatewayTimeout time.Duration
	RetryAttempts  uint
	RetryDelay     time.Duration
}

type Server struct {
	db           *sql.DB
	cfg          Config
	hub          *ws.Hub
	sessionStore *store.LoginSessionStore
	authn        *middleware.Authenticator
	rateLimiter  *middleware.RateLimiter
	checkoutH    *handler.CheckoutHandler
	webhookH     *handler.WebhookHandler
	catalogH     *handler.CatalogHandler
	purchaseH    *handler.PurchaseHandler
	authH        *handler.AuthHandler
	healthH      *handler.HealthHandler
	logger       *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	metrics.Register()

	purchaseStore := store.NewPurchaseStore(db)
	catalogStore := store.NewCatalogStore(db)
	accountStore := store.NewAccountStore(db)
	sessionStore := store.NewLoginSessionStore(db)

	hub := ws.NewHub(logger.With("component", "websocket"))

	opts := []purchase.ReconcilerOption{purchase.WithPublisher(hub)}
	if cfg.Notifier != nil {
		opts = append(opts, purchase.WithNotifier(cfg.Notifier))
	}
	if cfg.GatewayTimeout > 0 {
		opts = append(opts, purchase.WithGatewayRetry(cfg.GatewayTimeout, cfg.RetryAttempts, cfg.RetryDelay))
	}
	reconciler := purchase.NewReconciler(purchaseStore, cfg.Gateway, logger.With("component", "reconciler"), opts...)
	checkout := purchase.NewCheckout(catalogStore, cfg.Gateway, logger.With("component", "checkout"))
	access := purchase.NewAccess(catalogStore, purchaseStore)

	return &Server{
		db:           db,
		cfg:          cfg,
		hub:          hub,
		sessionStore: sessionStore,
		authn:        middleware.NewAuthenticator(sessionStore, accountStore, logger.With("component", "auth")),
		rateLimiter:  middleware.NewRateLimiter(),
		checkoutH:    handler.NewCheckoutHandler(checkout, reconciler, logger.With("component", "checkout")),
		webhookH:     handler.NewWebhookHandler(reconciler, logger.With("component", "webhook")),
		catalogH:     handler.NewCatalogHandler(catalogStore, access, logger.With("component", "catalog")),
		purchaseH:    handler.NewPurchaseHandler(purchaseStore, logger.With("component", "purchases")),
		authH:        handler.NewAuthHandler(accountStore, sessionStore, cfg.Tokens, cfg.Mailer, cfg.BaseURL, logger.With("component", "auth")),
		healthH:      handler.NewHealthHandler(db),
		logger:       logger,
	}
}

// Hub returns the purchase status hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthH.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Gateway deliveries authenticate by signature.
	mux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)

	mux.Handle("POST /auth/login", s.limit("login", 5, middleware.RealIP, http.HandlerFunc(s.authH.Login)))
	mux.HandleFunc("GET /auth/verify", s.authH.Verify)
	mux.HandleFunc("POST /auth/logout", s.authH.Logout)

	optional := s.authn.OptionalAuth
	mux.Handle("GET /api/sessions", optional(http.HandlerFunc(s.catalogH.List)))
	mux.Handle("GET /api/sessions/{id}", optional(http.HandlerFunc(s.catalogH.Get)))
	mux.Handle("GET /api/sessions/{id}/children/{childId}/access", optional(http.HandlerFunc(s.catalogH.Access)))

	required := s.authn.RequireAuth
	mux.Handle("POST /api/checkout", required(s.limit("checkout", 10, middleware.EmailOrIP, http.HandlerFunc(s.checkoutH.Create))))
	mux.Handle("POST /api/checkout/verify", required(s.limit("verify", 30, middleware.EmailOrIP, http.HandlerFunc(s.checkoutH.Verify))))
	mux.Handle("GET /api/purchases", required(http.HandlerFunc(s.purchaseH.List)))
	mux.Handle("GET /ws/purchases", required(ws.HandleWebSocket(s.hub, s.cfg.WSOrigins, s.logger.With("component", "websocket"))))

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

func (s *Server) limit(name string, perMinute int, key func(*http.Request) string, next http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.Policy{
		Name:     name,
		Requests: perMinute,
		Window:   time.Minute,
		Key:      key,
	})(next)
}

// Cleanup drops expired login sessions and stale rate limit windows.
func (s *Server) Cleanup(ctx context.Context) {
	n, err := s.sessionStore.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("cleanup expired sessions", "error", err)
	} else if n > 0 {
		s.logger.Info("cleaned up expired sessions", "count", n)
	}
	s.rateLimiter.Cleanup()
}
