package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/valley/internal/metrics"
	"github.com/dukerupert/valley/internal/model"
	"github.com/dukerupert/valley/internal/store"
)

// Outcome describes what reconciliation did to the ledger.
type Outcome string

const (
	OutcomeInserted        Outcome = "inserted"
	OutcomePromoted        Outcome = "promoted"
	OutcomeAlreadyRecorded Outcome = "already_recorded"
	OutcomeConflictIgnored Outcome = "conflict_ignored"
	OutcomeFailedRecorded  Outcome = "failed_recorded"
	OutcomePendingRecorded Outcome = "pending_recorded"
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeNotPaid         Outcome = "not_paid"
	OutcomeInvalidMetadata Outcome = "invalid_metadata"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeError           Outcome = "error"
)

const (
	pathWebhook = "webhook"
	pathVerify  = "verify"
)

type WebhookResult struct {
	EventID   string  `json:"eventId,omitempty"`
	EventType string  `json:"eventType,omitempty"`
	Outcome   Outcome `json:"outcome"`
}

type VerifyRequest struct {
	CheckoutSessionID string
	ProductSessionID  string
	SessionTitle      string
	ChildID           string
}

type VerifyResult struct {
	CheckoutSessionID string          `json:"sessionId"`
	PaymentStatus     string          `json:"paymentStatus"`
	PaymentIntentID   string          `json:"paymentIntentId"`
	CustomerEmail     string          `json:"customerEmail"`
	AmountTotal       decimal.Decimal `json:"amountTotal"`
	Currency          string          `json:"currency"`
	PurchaseRecorded  bool            `json:"purchaseRecorded"`
}

// Reconciler records payment completion from webhook deliveries and client
// verification calls. Both paths converge on the same ledger row, keyed by
// payment intent id.
type Reconciler struct {
	ledger    Ledger
	gateway   Gateway
	notifier  Notifier
	publisher Publisher
	logger    *slog.Logger

	gatewayTimeout time.Duration
	retryAttempts  uint
	retryDelay     time.Duration
	now            func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) { r.notifier = n }
}

func WithPublisher(p Publisher) ReconcilerOption {
	return func(r *Reconciler) { r.publisher = p }
}

// WithGatewayRetry bounds each gateway read by timeout and retries
// rate-limited or unavailable responses up to attempts times.
func WithGatewayRetry(timeout time.Duration, attempts uint, delay time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.gatewayTimeout = timeout
		r.retryAttempts = attempts
		r.retryDelay = delay
	}
}

func NewReconciler(ledger Ledger, gateway Gateway, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		ledger:         ledger,
		gateway:        gateway,
		logger:         logger,
		gatewayTimeout: 10 * time.Second,
		retryAttempts:  3,
		retryDelay:     250 * time.Millisecond,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleWebhook verifies and applies one gateway event. A signature failure
// returns the gateway's ErrSignature before the ledger is touched. Unhandled
// event types are acknowledged with OutcomeIgnored.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	start := r.now()
	event, err := r.gateway.ParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return WebhookResult{Outcome: OutcomeIgnored}, err
	}
	defer func() {
		metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}()

	result := WebhookResult{EventID: event.ID, EventType: event.Type}
	logger := r.logger.With("event_id", event.ID, "event_type", event.Type)

	switch event.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentPassed:
		if event.CheckoutSession == nil {
			return r.fail(logger, result, errors.New("event has no checkout session"))
		}
		result.Outcome, _, err = r.completeCheckout(ctx, pathWebhook, event.CheckoutSession, Metadata{})
	case EventPaymentIntentFailed:
		if event.PaymentIntent == nil {
			return r.fail(logger, result, errors.New("event has no payment intent"))
		}
		result.Outcome, err = r.failPaymentIntent(ctx, event.PaymentIntent)
	case EventPaymentIntentSucceeded:
		if event.PaymentIntent == nil {
			return r.fail(logger, result, errors.New("event has no payment intent"))
		}
		result.Outcome, err = r.succeedPaymentIntent(ctx, event.PaymentIntent)
	case EventCheckoutExpired:
		if event.CheckoutSession == nil {
			return r.fail(logger, result, errors.New("event has no checkout session"))
		}
		result.Outcome, err = r.expireCheckout(ctx, event.CheckoutSession)
	default:
		result.Outcome = OutcomeIgnored
	}

	if ErrValidation.Has(err) {
		// Redelivery cannot fix bad metadata, so acknowledge it.
		logger.Warn("webhook event not reconcilable", "error", err)
		result.Outcome = OutcomeInvalidMetadata
		err = nil
	}
	if err != nil {
		return r.fail(logger, result, err)
	}

	metrics.WebhookEvents.WithLabelValues(event.Type, string(result.Outcome)).Inc()
	logger.Info("webhook event handled", "outcome", result.Outcome)
	return result, nil
}

func (r *Reconciler) fail(logger *slog.Logger, result WebhookResult, err error) (WebhookResult, error) {
	metrics.WebhookEvents.WithLabelValues(result.EventType, string(OutcomeError)).Inc()
	logger.Error("webhook processing failed", "error", err)
	result.Outcome = OutcomeError
	return result, err
}

// Verify is the client-side confirmation path, called from the checkout
// return page. It records the purchase if the webhook has not already done so.
func (r *Reconciler) Verify(ctx context.Context, buyerEmail string, req VerifyRequest) (*VerifyResult, error) {
	email := NormalizeEmail(buyerEmail)
	if email == "" {
		return nil, ErrUnauthorized.New("buyer email required")
	}
	req.CheckoutSessionID = strings.TrimSpace(req.CheckoutSessionID)
	if req.CheckoutSessionID == "" {
		return nil, ErrValidation.New("sessionId is required")
	}

	var cs *CheckoutSession
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		cs, err = r.gateway.GetCheckoutSession(ctx, req.CheckoutSessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if owner := NormalizeEmail(cs.CustomerEmail); owner != "" && owner != email {
		return nil, ErrUnauthorized.New("checkout session belongs to another buyer")
	}
	if !cs.Paid() {
		return nil, ErrPaymentNotCompleted.New("checkout %s payment status %q", cs.ID, cs.PaymentStatus)
	}

	// The child comes from the gateway only. A whole-session checkout has
	// no child in its metadata and must not be narrowed by the caller.
	fallback := Metadata{
		SessionID:    strings.TrimSpace(req.ProductSessionID),
		SessionTitle: strings.TrimSpace(req.SessionTitle),
		BuyerEmail:   email,
	}
	_, p, err := r.completeCheckout(ctx, pathVerify, cs, fallback)
	if err != nil {
		return nil, err
	}
	if child := strings.TrimSpace(req.ChildID); child != "" && p != nil && (p.ChildSessionID == nil || *p.ChildSessionID != child) {
		r.logger.Warn("verify child does not match recorded purchase",
			"checkout_session_id", cs.ID, "request_child_id", child, "purchase_id", p.ID)
	}

	customerEmail := NormalizeEmail(cs.CustomerEmail)
	if customerEmail == "" {
		customerEmail = email
	}
	return &VerifyResult{
		CheckoutSessionID: cs.ID,
		PaymentStatus:     cs.PaymentStatus,
		PaymentIntentID:   cs.PaymentIntentID,
		CustomerEmail:     customerEmail,
		AmountTotal:       FromMinorUnits(cs.AmountTotal, cs.Currency),
		Currency:          strings.ToUpper(cs.Currency),
		PurchaseRecorded:  p != nil && p.PaymentStatus == model.PaymentCompleted,
	}, nil
}

// completeCheckout makes sure a completed ledger row exists for a paid
// checkout. It returns the row as stored after the call.
func (r *Reconciler) completeCheckout(ctx context.Context, path string, cs *CheckoutSession, fallback Metadata) (Outcome, *model.Purchase, error) {
	outcome, p, err := r.recordCheckout(ctx, path, cs, fallback)
	if err != nil && cs.PaymentIntentID != "" && !ErrValidation.Has(err) {
		r.recordError(ctx, cs.PaymentIntentID, "reconcile_error", err)
	}
	if err == nil {
		metrics.Reconciliations.WithLabelValues(path, string(outcome)).Inc()
	}
	return outcome, p, err
}

func (r *Reconciler) recordCheckout(ctx context.Context, path string, cs *CheckoutSession, fallback Metadata) (Outcome, *model.Purchase, error) {
	logger := r.logger.With("path", path, "checkout_session_id", cs.ID, "payment_intent_id", cs.PaymentIntentID)

	if cs.PaymentIntentID == "" {
		if !cs.Paid() {
			logger.Info("checkout completed without payment intent", "payment_status", cs.PaymentStatus)
			return OutcomeNotPaid, nil, nil
		}
		return "", nil, ErrValidation.New("checkout %s has no payment intent", cs.ID)
	}

	existing, err := r.ledger.FindByPaymentRef(ctx, cs.PaymentIntentID, cs.ID)
	if err != nil {
		return "", nil, err
	}
	if existing != nil {
		if !cs.Paid() {
			return OutcomeAlreadyRecorded, existing, nil
		}
		return r.promote(ctx, logger, existing)
	}

	if !cs.Paid() {
		return r.recordPending(ctx, logger, cs, fallback)
	}

	p, err := r.checkoutPurchase(cs, fallback, model.PaymentCompleted)
	if err != nil {
		return "", nil, err
	}
	if intent := r.enrich(ctx, logger, cs.PaymentIntentID); intent != nil {
		p.PaymentMethod = intent.PaymentMethodType
		p.Card = intent.Card
		if intent.Fee != nil {
			fee := FromMinorUnits(*intent.Fee, cs.Currency)
			p.TransactionFee = decimal.NewNullDecimal(fee)
			p.NetAmount = decimal.NewNullDecimal(p.AmountPaid.Sub(fee))
		}
	}

	inserted, err := r.ledger.Insert(ctx, p)
	if errors.Is(err, store.ErrConflict) {
		// Another path inserted first. It may have written a non-completed
		// row, so make sure the final state is completed.
		logger.Info("purchase already recorded by concurrent path")
		current, err := r.ledger.GetByPaymentIntent(ctx, cs.PaymentIntentID)
		if err != nil {
			return "", nil, err
		}
		if current == nil {
			return "", nil, fmt.Errorf("payment intent %s conflicted but not found", cs.PaymentIntentID)
		}
		if current.PaymentStatus != model.PaymentCompleted {
			if _, _, err := r.promote(ctx, logger, current); err != nil {
				return "", nil, err
			}
			current, err = r.ledger.GetByPaymentIntent(ctx, cs.PaymentIntentID)
			if err != nil {
				return "", nil, err
			}
		}
		return OutcomeConflictIgnored, current, nil
	}
	if err != nil {
		return "", nil, err
	}

	logger.Info("purchase recorded", "purchase_id", inserted.ID, "session_id", inserted.SessionID, "amount", inserted.AmountPaid.String())
	r.publish(inserted)
	r.notifyCompleted(ctx, inserted)
	return OutcomeInserted, inserted, nil
}

// recordPending stores a checkout that finished without payment, such as a
// delayed bank debit. The async result, a payment failure or the checkout
// expiry later moves it on.
func (r *Reconciler) recordPending(ctx context.Context, logger *slog.Logger, cs *CheckoutSession, fallback Metadata) (Outcome, *model.Purchase, error) {
	p, err := r.checkoutPurchase(cs, fallback, model.PaymentPending)
	if err != nil {
		return "", nil, err
	}
	inserted, err := r.ledger.Insert(ctx, p)
	if errors.Is(err, store.ErrConflict) {
		current, err := r.ledger.GetByPaymentIntent(ctx, cs.PaymentIntentID)
		if err != nil {
			return "", nil, err
		}
		return OutcomeAlreadyRecorded, current, nil
	}
	if err != nil {
		return "", nil, err
	}
	logger.Info("checkout awaiting payment", "purchase_id", inserted.ID, "payment_status", cs.PaymentStatus)
	r.publish(inserted)
	return OutcomePendingRecorded, inserted, nil
}

// checkoutPurchase builds the ledger row for a checkout from its metadata.
func (r *Reconciler) checkoutPurchase(cs *CheckoutSession, fallback Metadata, status model.PaymentStatus) (*model.Purchase, error) {
	meta := ParseMetadata(cs.Metadata).Merge(fallback)
	email := NormalizeEmail(cs.CustomerEmail)
	if email == "" {
		email = meta.BuyerEmail
	}
	if meta.SessionID == "" {
		return nil, ErrValidation.New("checkout %s metadata has no session id", cs.ID)
	}
	if email == "" {
		return nil, ErrValidation.New("checkout %s has no buyer email", cs.ID)
	}
	name := meta.BuyerName
	if name == "" {
		name = cs.CustomerName
	}

	p := &model.Purchase{
		SessionID:               meta.SessionID,
		SessionTitle:            meta.SessionTitle,
		UserEmail:               email,
		UserName:                name,
		AmountPaid:              FromMinorUnits(cs.AmountTotal, cs.Currency),
		Currency:                strings.ToUpper(cs.Currency),
		PaymentStatus:           status,
		StripePaymentIntentID:   cs.PaymentIntentID,
		StripeCheckoutSessionID: &cs.ID,
		Billing:                 cs.Billing,
		PurchaseDate:            cs.Created,
	}
	if meta.ChildID != "" {
		p.ChildSessionID = &meta.ChildID
		if meta.ChildTitle != "" {
			p.ChildSessionTitle = &meta.ChildTitle
		}
	}
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = r.now().UTC()
	}
	return p, nil
}

// promote moves a pending or failed row to completed. Rows already completed,
// refunded or cancelled are returned unchanged.
func (r *Reconciler) promote(ctx context.Context, logger *slog.Logger, existing *model.Purchase) (Outcome, *model.Purchase, error) {
	switch existing.PaymentStatus {
	case model.PaymentPending, model.PaymentFailed:
	default:
		return OutcomeAlreadyRecorded, existing, nil
	}

	changed, err := r.ledger.MarkCompleted(ctx, existing.StripePaymentIntentID)
	if err != nil {
		return "", nil, err
	}
	current, err := r.ledger.GetByPaymentIntent(ctx, existing.StripePaymentIntentID)
	if err != nil {
		return "", nil, err
	}
	if !changed {
		return OutcomeAlreadyRecorded, current, nil
	}

	logger.Info("purchase promoted to completed", "purchase_id", current.ID, "from", existing.PaymentStatus)
	r.publish(current)
	r.notifyCompleted(ctx, current)
	return OutcomePromoted, current, nil
}

func (r *Reconciler) succeedPaymentIntent(ctx context.Context, intent *PaymentIntent) (Outcome, error) {
	existing, err := r.ledger.GetByPaymentIntent(ctx, intent.ID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		// The checkout event carries the metadata needed to create the row.
		return OutcomeIgnored, nil
	}
	logger := r.logger.With("path", pathWebhook, "payment_intent_id", intent.ID)
	outcome, _, err := r.promote(ctx, logger, existing)
	if err == nil {
		metrics.Reconciliations.WithLabelValues(pathWebhook, string(outcome)).Inc()
	}
	return outcome, err
}

func (r *Reconciler) failPaymentIntent(ctx context.Context, intent *PaymentIntent) (Outcome, error) {
	logger := r.logger.With("path", pathWebhook, "payment_intent_id", intent.ID)
	perr := model.PurchaseError{Code: "payment_failed", Message: "Payment failed", At: r.now().UTC()}
	if intent.LastError != nil {
		if intent.LastError.Code != "" {
			perr.Code = intent.LastError.Code
		}
		if intent.LastError.Message != "" {
			perr.Message = intent.LastError.Message
		}
	}

	changed, err := r.ledger.MarkFailed(ctx, intent.ID, perr)
	if err != nil {
		return "", err
	}
	if changed {
		p, err := r.ledger.GetByPaymentIntent(ctx, intent.ID)
		if err != nil {
			return "", err
		}
		logger.Info("purchase marked failed", "purchase_id", p.ID, "error_code", perr.Code)
		r.publish(p)
		r.notifyFailed(ctx, p)
		metrics.Reconciliations.WithLabelValues(pathWebhook, string(OutcomeFailedRecorded)).Inc()
		return OutcomeFailedRecorded, nil
	}

	existing, err := r.ledger.GetByPaymentIntent(ctx, intent.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.PaymentStatus == model.PaymentFailed {
			if err := r.ledger.RecordError(ctx, intent.ID, perr); err != nil {
				return "", err
			}
		}
		return OutcomeAlreadyRecorded, nil
	}

	meta := ParseMetadata(intent.Metadata)
	email := meta.BuyerEmail
	if email == "" {
		email = NormalizeEmail(intent.ReceiptEmail)
	}
	if meta.SessionID == "" || email == "" {
		logger.Warn("payment failure without purchase context", "error_code", perr.Code)
		return OutcomeIgnored, nil
	}

	p := &model.Purchase{
		SessionID:             meta.SessionID,
		SessionTitle:          meta.SessionTitle,
		UserEmail:             email,
		UserName:              meta.BuyerName,
		AmountPaid:            FromMinorUnits(intent.Amount, intent.Currency),
		Currency:              strings.ToUpper(intent.Currency),
		PaymentStatus:         model.PaymentFailed,
		StripePaymentIntentID: intent.ID,
		PaymentMethod:         intent.PaymentMethodType,
		Card:                  intent.Card,
		Error:                 &perr,
		PurchaseDate:          intent.Created,
	}
	if meta.ChildID != "" {
		p.ChildSessionID = &meta.ChildID
		if meta.ChildTitle != "" {
			p.ChildSessionTitle = &meta.ChildTitle
		}
	}

	inserted, err := r.ledger.Insert(ctx, p)
	if errors.Is(err, store.ErrConflict) {
		return OutcomeConflictIgnored, nil
	}
	if err != nil {
		return "", err
	}
	logger.Info("failed purchase recorded", "purchase_id", inserted.ID, "error_code", perr.Code)
	r.publish(inserted)
	r.notifyFailed(ctx, inserted)
	metrics.Reconciliations.WithLabelValues(pathWebhook, string(OutcomeFailedRecorded)).Inc()
	return OutcomeFailedRecorded, nil
}

func (r *Reconciler) expireCheckout(ctx context.Context, cs *CheckoutSession) (Outcome, error) {
	changed, err := r.ledger.MarkCancelledByCheckout(ctx, cs.ID)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeIgnored, nil
	}
	if cs.PaymentIntentID != "" {
		if p, err := r.ledger.GetByPaymentIntent(ctx, cs.PaymentIntentID); err == nil && p != nil {
			r.publish(p)
		}
	}
	metrics.Reconciliations.WithLabelValues(pathWebhook, string(OutcomeCancelled)).Inc()
	return OutcomeCancelled, nil
}

// enrich fetches card and fee detail for a payment intent. Failures are
// logged and leave the detail empty.
func (r *Reconciler) enrich(ctx context.Context, logger *slog.Logger, paymentIntentID string) *PaymentIntent {
	var intent *PaymentIntent
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		intent, err = r.gateway.GetPaymentIntent(ctx, paymentIntentID)
		return err
	})
	if err != nil {
		logger.Warn("payment intent enrichment failed", "error", err)
		return nil
	}
	return intent
}

func (r *Reconciler) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.retryAttempts
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
			defer cancel()
			return fn(callCtx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(r.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
}

func (r *Reconciler) recordError(ctx context.Context, paymentIntentID, code string, cause error) {
	perr := model.PurchaseError{Code: code, Message: cause.Error(), At: r.now().UTC()}
	if err := r.ledger.RecordError(context.WithoutCancel(ctx), paymentIntentID, perr); err != nil {
		r.logger.Warn("record purchase error", "payment_intent_id", paymentIntentID, "error", err)
	}
}

func (r *Reconciler) publish(p *model.Purchase) {
	if r.publisher != nil {
		r.publisher.PublishPurchase(p)
	}
}

const notifyTimeout = 15 * time.Second

// notifyCompleted emails the buyer and the owner once per purchase. The
// ledger claim decides which caller sends.
func (r *Reconciler) notifyCompleted(ctx context.Context, p *model.Purchase) {
	if r.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	claimed, err := r.ledger.ClaimNotification(ctx, p.StripePaymentIntentID)
	if err != nil {
		r.logger.Warn("claim purchase notification", "payment_intent_id", p.StripePaymentIntentID, "error", err)
		return
	}
	if !claimed {
		return
	}
	if err := r.notifier.PurchaseConfirmation(ctx, p); err != nil {
		metrics.NotificationFailures.WithLabelValues("confirmation").Inc()
		r.logger.Error("send purchase confirmation", "purchase_id", p.ID, "error", err)
	}
	if err := r.notifier.OwnerNotification(ctx, p); err != nil {
		metrics.NotificationFailures.WithLabelValues("owner").Inc()
		r.logger.Error("send owner notification", "purchase_id", p.ID, "error", err)
	}
}

func (r *Reconciler) notifyFailed(ctx context.Context, p *model.Purchase) {
	if r.notifier == nil || p.UserEmail == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := r.notifier.PaymentFailed(ctx, p); err != nil {
		metrics.NotificationFailures.WithLabelValues("payment_failed").Inc()
		r.logger.Error("send payment failure email", "purchase_id", p.ID, "error", err)
	}
}
