package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/valley/internal/model"
	"github.com/dukerupert/valley/internal/purchase"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint. Empty means Stripe's.
	BaseURL string
	Timeout time.Duration
}

// Client is the Stripe implementation of purchase.Gateway.
type Client struct {
	cfg      Config
	sessions *checksession.Client
	intents  *paymentintent.Client
}

var _ purchase.Gateway = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		// The reconciler owns retries.
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	return &Client{
		cfg:      cfg,
		sessions: &checksession.Client{B: backend, Key: cfg.SecretKey},
		intents:  &paymentintent.Client{B: backend, Key: cfg.SecretKey},
	}
}

// CreateCheckoutSession creates a one-off payment checkout with inline price
// data. The metadata is copied onto the payment intent so failure events can
// be attributed to a buyer.
func (c *Client) CreateCheckoutSession(ctx context.Context, p purchase.CheckoutSessionParams) (*purchase.CheckoutSession, error) {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(p.ProductName),
	}
	if p.ProductDescription != "" {
		product.Description = stripe.String(p.ProductDescription)
	}
	if p.ImageURL != "" {
		product.Images = []*string{stripe.String(p.ImageURL)}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail: stripe.String(p.CustomerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(p.Currency),
					UnitAmount:  stripe.Int64(p.UnitAmount),
					ProductData: product,
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata:     p.Metadata,
			ReceiptEmail: stripe.String(p.CustomerEmail),
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	if !p.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(p.ExpiresAt.Unix())
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	sess, err := c.sessions.New(params)
	if err != nil {
		return nil, classify(err, "create checkout session")
	}
	return convertCheckoutSession(sess), nil
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*purchase.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := c.sessions.Get(id, params)
	if err != nil {
		return nil, classify(err, "get checkout session")
	}
	return convertCheckoutSession(sess), nil
}

// GetPaymentIntent fetches the intent with its latest charge and balance
// transaction expanded, which carry card details and the processor fee.
func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*purchase.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.AddExpand("latest_charge.balance_transaction")
	params.Context = ctx
	pi, err := c.intents.Get(id, params)
	if err != nil {
		return nil, classify(err, "get payment intent")
	}
	return convertPaymentIntent(pi), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the object of
// the event types the reconciler handles.
func (c *Client) ParseWebhook(payload []byte, signature string) (*purchase.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			return nil, purchase.ErrSignature.Wrap(err)
		}
		return nil, purchase.ErrValidation.Wrap(err)
	}

	out := &purchase.Event{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}
	switch out.Type {
	case purchase.EventCheckoutCompleted, purchase.EventCheckoutAsyncPaymentPassed, purchase.EventCheckoutExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, purchase.ErrValidation.New("decode checkout session: %v", err)
		}
		out.CheckoutSession = convertCheckoutSession(&sess)
	case purchase.EventPaymentIntentSucceeded, purchase.EventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, purchase.ErrValidation.New("decode payment intent: %v", err)
		}
		out.PaymentIntent = convertPaymentIntent(&pi)
	}
	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// classify maps a Stripe API error onto the purchase error classes.
func classify(err error, op string) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return purchase.ErrGatewayUnavailable.New("%s: %v", op, err)
	}
	switch {
	case serr.Type == stripe.ErrorTypeCard:
		return purchase.ErrCardDeclined.New("%s: %s", op, serr.Msg)
	case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.Code == stripe.ErrorCodeRateLimit:
		return purchase.ErrRateLimited.New("%s: %s", op, serr.Msg)
	case serr.Type == stripe.ErrorTypeInvalidRequest:
		return purchase.ErrInvalidRequest.New("%s: %s", op, serr.Msg)
	default:
		return purchase.ErrGatewayUnavailable.New("%s: %s", op, serr.Msg)
	}
}

func convertCheckoutSession(s *stripe.CheckoutSession) *purchase.CheckoutSession {
	out := &purchase.CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		CustomerEmail: s.CustomerEmail,
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
		Created:       unix(s.Created),
		ExpiresAt:     unix(s.ExpiresAt),
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if d := s.CustomerDetails; d != nil {
		if out.CustomerEmail == "" {
			out.CustomerEmail = d.Email
		}
		out.CustomerName = d.Name
		if a := d.Address; a != nil {
			out.Billing = model.BillingAddress{
				Line1:      a.Line1,
				Line2:      a.Line2,
				City:       a.City,
				State:      a.State,
				PostalCode: a.PostalCode,
				Country:    a.Country,
			}
		}
	}
	return out
}

func convertPaymentIntent(pi *stripe.PaymentIntent) *purchase.PaymentIntent {
	out := &purchase.PaymentIntent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		ReceiptEmail: pi.ReceiptEmail,
		Metadata:     pi.Metadata,
		Created:      unix(pi.Created),
	}
	if len(pi.PaymentMethodTypes) > 0 {
		out.PaymentMethodType = pi.PaymentMethodTypes[0]
	}
	if e := pi.LastPaymentError; e != nil {
		code := string(e.Code)
		if code == "" {
			code = string(e.DeclineCode)
		}
		out.LastError = &purchase.GatewayError{Code: code, Message: e.Msg}
	}
	if ch := pi.LatestCharge; ch != nil {
		if bt := ch.BalanceTransaction; bt != nil {
			fee := bt.Fee
			out.Fee = &fee
		}
		if d := ch.PaymentMethodDetails; d != nil {
			out.PaymentMethodType = string(d.Type)
			if card := d.Card; card != nil {
				out.Card = model.CardDetails{
					Brand:    string(card.Brand),
					Last4:    card.Last4,
					ExpMonth: card.ExpMonth,
					ExpYear:  card.ExpYear,
					Country:  card.Country,
				}
			}
		}
	}
	return out
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
