package purchase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/valley/internal/metrics"
	"github.com/dukerupert/valley/internal/model"
)

// CheckoutTTL is how long a hosted checkout stays open.
const CheckoutTTL = 30 * time.Minute

type CheckoutRequest struct {
	SessionID  string
	ChildID    string
	SuccessURL string
	CancelURL  string
	BuyerEmail string
	BuyerName  string
}

type CheckoutResult struct {
	CheckoutURL      string    `json:"checkoutUrl"`
	GatewaySessionID string    `json:"sessionId"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Checkout starts a gateway checkout for one priced catalog node.
type Checkout struct {
	catalog Catalog
	gateway Gateway
	logger  *slog.Logger
	now     func() time.Time
}

func NewCheckout(catalog Catalog, gateway Gateway, logger *slog.Logger) *Checkout {
	return &Checkout{
		catalog: catalog,
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
	}
}

// Create validates the request, resolves the price from the catalog and asks
// the gateway for a checkout session. A node that costs nothing never reaches
// the gateway.
func (c *Checkout) Create(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	res, err := c.create(ctx, req)
	if err != nil {
		metrics.Checkouts.WithLabelValues(Code(err)).Inc()
		return nil, err
	}
	metrics.Checkouts.WithLabelValues("created").Inc()
	return res, nil
}

func (c *Checkout) create(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	email := NormalizeEmail(req.BuyerEmail)
	if email == "" {
		return nil, ErrUnauthorized.New("buyer email required")
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.ChildID = strings.TrimSpace(req.ChildID)
	if req.SessionID == "" || req.SuccessURL == "" || req.CancelURL == "" {
		return nil, ErrValidation.New("sessionId, successUrl and cancelUrl are required")
	}

	session, err := c.catalog.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNotFound.New("session %q", req.SessionID)
	}

	pricing := session.Pricing
	name := session.Title
	description := session.Description
	meta := Metadata{
		SessionID:    session.ID,
		SessionTitle: session.Title,
		BuyerEmail:   email,
		BuyerName:    strings.TrimSpace(req.BuyerName),
	}
	if req.ChildID != "" {
		child := session.Child(req.ChildID)
		if child == nil {
			return nil, ErrNotFound.New("child session %q in %q", req.ChildID, req.SessionID)
		}
		pricing = child.Pricing
		if pricing.Currency == "" {
			pricing.Currency = session.Currency
		}
		name = child.Title
		if child.Description != "" {
			description = child.Description
		}
		meta.ChildID = child.ID
		meta.ChildTitle = child.Title
	}
	if pricing.IsFree() {
		return nil, ErrInvalidPrice.New("%q has no positive price", name)
	}

	currency := pricing.Currency
	if currency == "" {
		currency = model.DefaultCurrency
	}
	amount := ToMinorUnits(pricing.Price.Decimal, currency)
	if amount <= 0 {
		return nil, ErrInvalidPrice.New("%q rounds to zero in %s", name, currency)
	}

	expiresAt := c.now().Add(CheckoutTTL).Truncate(time.Second)
	cs, err := c.gateway.CreateCheckoutSession(ctx, CheckoutSessionParams{
		CustomerEmail:      email,
		ProductName:        name,
		ProductDescription: description,
		ImageURL:           session.ImageURL,
		UnitAmount:         amount,
		Currency:           strings.ToLower(currency),
		SuccessURL:         withCheckoutSessionParam(req.SuccessURL),
		CancelURL:          req.CancelURL,
		ExpiresAt:          expiresAt,
		Metadata:           meta.Map(),
	})
	if err != nil {
		c.logger.Error("create checkout session", "session_id", req.SessionID, "child_id", req.ChildID, "error", err)
		return nil, err
	}

	c.logger.Info("checkout session created",
		"checkout_session_id", cs.ID,
		"session_id", req.SessionID,
		"child_id", req.ChildID,
		"amount", amount,
		"currency", currency,
	)
	if !cs.ExpiresAt.IsZero() {
		expiresAt = cs.ExpiresAt
	}
	return &CheckoutResult{
		CheckoutURL:      cs.URL,
		GatewaySessionID: cs.ID,
		ExpiresAt:        expiresAt,
	}, nil
}

// withCheckoutSessionParam appends the gateway's checkout id placeholder to
// the success URL.
func withCheckoutSessionParam(successURL string) string {
	sep := "?"
	if strings.Contains(successURL, "?") {
		sep = "&"
	}
	return successURL + sep + "session_id={CHECKOUT_SESSION_ID}"
}
