package purchase

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/valley/internal/database"
	"github.com/dukerupert/valley/internal/model"
	"github.com/dukerupert/valley/internal/store"
)

const validSignature = "t=1,v1=valid"

type fakeGateway struct {
	mu sync.Mutex

	events    map[string]*Event
	checkouts map[string]*CheckoutSession
	intents   map[string]*PaymentIntent

	createErr    error
	getIntentErr error
	created      []CheckoutSessionParams
	intentCalls  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events:    map[string]*Event{},
		checkouts: map[string]*CheckoutSession{},
		intents:   map[string]*PaymentIntent{},
	}
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, params)
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &CheckoutSession{
		ID:        "cs_test_1",
		URL:       "https://checkout.example.com/c/pay/cs_test_1",
		ExpiresAt: params.ExpiresAt,
	}, nil
}

func (g *fakeGateway) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.checkouts[id]
	if !ok {
		return nil, ErrInvalidRequest.New("no such checkout session %q", id)
	}
	copied := *cs
	return &copied, nil
}

func (g *fakeGateway) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intentCalls++
	if g.getIntentErr != nil {
		return nil, g.getIntentErr
	}
	pi, ok := g.intents[id]
	if !ok {
		return nil, ErrInvalidRequest.New("no such payment intent %q", id)
	}
	return pi, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if signature != validSignature {
		return nil, ErrSignature.New("signature mismatch")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[string(payload)]
	if !ok {
		return nil, ErrSignature.New("unknown payload")
	}
	return ev, nil
}

// addEvent registers ev and returns the payload that parses to it.
func (g *fakeGateway) addEvent(ev *Event) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[ev.ID] = ev
	return []byte(ev.ID)
}

func (g *fakeGateway) createCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

type fakeNotifier struct {
	mu            sync.Mutex
	confirmations []string
	owner         int
	failures      []string
	err           error
}

func (n *fakeNotifier) PurchaseConfirmation(ctx context.Context, p *model.Purchase) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, p.UserEmail)
	return n.err
}

func (n *fakeNotifier) OwnerNotification(ctx context.Context, p *model.Purchase) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owner++
	return n.err
}

func (n *fakeNotifier) PaymentFailed(ctx context.Context, p *model.Purchase) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, p.UserEmail)
	return n.err
}

func (n *fakeNotifier) confirmationCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmations)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []model.PaymentStatus
}

func (p *fakePublisher) PublishPurchase(pur *model.Purchase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, pur.PaymentStatus)
}

type env struct {
	db        *sql.DB
	catalog   *store.CatalogStore
	ledger    *store.PurchaseStore
	gateway   *fakeGateway
	notifier  *fakeNotifier
	publisher *fakePublisher
	checkout  *Checkout
	reconcile *Reconciler
	access    *Access
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T, dbPath string) *env {
	t.Helper()
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		db:        db,
		catalog:   store.NewCatalogStore(db),
		ledger:    store.NewPurchaseStore(db),
		gateway:   newFakeGateway(),
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
	}
	e.checkout = NewCheckout(e.catalog, e.gateway, discardLogger())
	e.reconcile = NewReconciler(e.ledger, e.gateway, discardLogger(),
		WithNotifier(e.notifier),
		WithPublisher(e.publisher),
		WithGatewayRetry(time.Second, 2, time.Millisecond),
	)
	e.access = NewAccess(e.catalog, e.ledger)

	require.NoError(t, e.catalog.UpsertSession(context.Background(), &model.Session{
		ID:    "S",
		Title: "Sleep Reset",
		Children: []model.ChildSession{
			{ID: "C1", Title: "Part one", SortOrder: 1, Pricing: model.Pricing{
				Price: decimal.NewNullDecimal(decimal.NewFromInt(100)), Currency: "AED",
			}},
			{ID: "C2", Title: "Part two", SortOrder: 2},
			{ID: "C3", Title: "Part three", SortOrder: 3, Pricing: model.Pricing{
				Price: decimal.NewNullDecimal(decimal.RequireFromString("49.99")), Currency: "AED",
			}},
		},
	}))
	return e
}

// paidCheckout registers a paid checkout for C1 and its payment intent with
// the fake gateway.
func (e *env) paidCheckout(csID, piID, email string) *CheckoutSession {
	cs := &CheckoutSession{
		ID:              csID,
		Status:          "complete",
		PaymentStatus:   "paid",
		PaymentIntentID: piID,
		CustomerEmail:   email,
		AmountTotal:     10000,
		Currency:        "aed",
		Metadata: Metadata{
			SessionID:    "S",
			SessionTitle: "Sleep Reset",
			ChildID:      "C1",
			ChildTitle:   "Part one",
			BuyerEmail:   email,
			BuyerName:    "U",
		}.Map(),
		Created: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	fee := int64(320)
	e.gateway.mu.Lock()
	e.gateway.checkouts[csID] = cs
	e.gateway.intents[piID] = &PaymentIntent{
		ID:                piID,
		Status:            "succeeded",
		Amount:            10000,
		Currency:          "aed",
		PaymentMethodType: "card",
		Card:              model.CardDetails{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030, Country: "AE"},
		Fee:               &fee,
	}
	e.gateway.mu.Unlock()
	return cs
}

// unpaid returns a copy of cs that finished checkout without payment.
func (e *env) unpaid(cs *CheckoutSession) *CheckoutSession {
	e.gateway.mu.Lock()
	defer e.gateway.mu.Unlock()
	out := *cs
	out.PaymentStatus = "unpaid"
	return &out
}

func (e *env) completedEvent(id string, cs *CheckoutSession) []byte {
	return e.gateway.addEvent(&Event{ID: id, Type: EventCheckoutCompleted, CheckoutSession: cs})
}

func (e *env) countPurchases(t *testing.T, piID string) (total, completed int) {
	t.Helper()
	err := e.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(payment_status = 'completed'), 0) FROM purchases WHERE stripe_payment_intent_id = ?`,
		piID,
	).Scan(&total, &completed)
	require.NoError(t, err)
	return total, completed
}
