package purchase

import (
	"context"
	"time"

	"github.com/dukerupert/valley/internal/model"
)

// Event types the reconciler acts on. Anything else is acknowledged and
// ignored.
const (
	EventCheckoutCompleted          = "checkout.session.completed"
	EventCheckoutAsyncPaymentPassed = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired            = "checkout.session.expired"
	EventPaymentIntentSucceeded     = "payment_intent.succeeded"
	EventPaymentIntentFailed        = "payment_intent.payment_failed"
)

// Gateway is the payment provider. Implementations return errors classified
// with ErrCardDeclined, ErrRateLimited, ErrInvalidRequest or
// ErrGatewayUnavailable, and ErrSignature from ParseWebhook.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

// CheckoutSessionParams describes a single-item hosted checkout.
type CheckoutSessionParams struct {
	CustomerEmail      string
	ProductName        string
	ProductDescription string
	ImageURL           string
	UnitAmount         int64 // smallest currency unit
	Currency           string
	SuccessURL         string
	CancelURL          string
	ExpiresAt          time.Time
	Metadata           map[string]string
}

type CheckoutSession struct {
	ID              string
	URL             string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	CustomerEmail   string
	CustomerName    string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
	Billing         model.BillingAddress
	Created         time.Time
	ExpiresAt       time.Time
}

// Paid reports whether the gateway considers the checkout settled.
func (cs *CheckoutSession) Paid() bool {
	return cs.PaymentStatus == "paid" || cs.PaymentStatus == "no_payment_required"
}

type PaymentIntent struct {
	ID                string
	Status            string
	Amount            int64
	Currency          string
	ReceiptEmail      string
	Metadata          map[string]string
	PaymentMethodType string
	Card              model.CardDetails
	// Fee is the processor fee in the smallest currency unit, when the
	// balance transaction was available.
	Fee       *int64
	LastError *GatewayError
	Created   time.Time
}

type GatewayError struct {
	Code    string
	Message string
}

// Event is a verified webhook delivery. Exactly one of CheckoutSession and
// PaymentIntent is set for the event types the reconciler handles.
type Event struct {
	ID              string
	Type            string
	CheckoutSession *CheckoutSession
	PaymentIntent   *PaymentIntent
}

// Notifier sends transactional email. Failures are logged by the caller and
// never affect reconciliation.
type Notifier interface {
	PurchaseConfirmation(ctx context.Context, p *model.Purchase) error
	OwnerNotification(ctx context.Context, p *model.Purchase) error
	PaymentFailed(ctx context.Context, p *model.Purchase) error
}

// Publisher receives ledger changes for live status delivery.
type Publisher interface {
	PublishPurchase(p *model.Purchase)
}

// Catalog resolves content nodes.
type Catalog interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// Ledger is the purchase record store. Insert returns store.ErrConflict when
// the payment intent is already recorded.
type Ledger interface {
	Insert(ctx context.Context, p *model.Purchase) (*model.Purchase, error)
	GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Purchase, error)
	FindByPaymentRef(ctx context.Context, paymentIntentID, checkoutSessionID string) (*model.Purchase, error)
	MarkCompleted(ctx context.Context, paymentIntentID string) (bool, error)
	MarkFailed(ctx context.Context, paymentIntentID string, perr model.PurchaseError) (bool, error)
	MarkCancelledByCheckout(ctx context.Context, checkoutSessionID string) (bool, error)
	RecordError(ctx context.Context, paymentIntentID string, perr model.PurchaseError) error
	ClaimNotification(ctx context.Context, paymentIntentID string) (bool, error)
	ListCompletedForSession(ctx context.Context, email, sessionID string) ([]model.Purchase, error)
}
