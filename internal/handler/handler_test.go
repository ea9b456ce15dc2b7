package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/valley/internal/auth"
	"github.com/dukerupert/valley/internal/database"
	"github.com/dukerupert/valley/internal/model"
	"github.com/dukerupert/valley/internal/purchase"
	"github.com/dukerupert/valley/internal/store"
)

const goodSignature = "t=1,v1=good"

type stubGateway struct {
	mu        sync.Mutex
	createErr error
	getErr    error
	created   int
	checkouts map[string]*purchase.CheckoutSession
	events    map[string]*purchase.Event
}

func (g *stubGateway) CreateCheckoutSession(ctx context.Context, p purchase.CheckoutSessionParams) (*purchase.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &purchase.CheckoutSession{ID: "cs_new", URL: "https://pay.example/cs_new", ExpiresAt: p.ExpiresAt}, nil
}

func (g *stubGateway) GetCheckoutSession(ctx context.Context, id string) (*purchase.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, g.getErr
	}
	cs, ok := g.checkouts[id]
	if !ok {
		return nil, purchase.ErrInvalidRequest.New("no such checkout %q", id)
	}
	return cs, nil
}

func (g *stubGateway) GetPaymentIntent(ctx context.Context, id string) (*purchase.PaymentIntent, error) {
	return nil, purchase.ErrInvalidRequest.New("no such payment intent %q", id)
}

func (g *stubGateway) ParseWebhook(payload []byte, signature string) (*purchase.Event, error) {
	if signature != goodSignature {
		return nil, purchase.ErrSignature.New("bad signature")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[string(payload)]
	if !ok {
		return nil, purchase.ErrValidation.New("undecodable payload")
	}
	return ev, nil
}

type stubMailer struct {
	to, token string
}

func (m *stubMailer) SendMagicLink(ctx context.Context, to, token string) error {
	m.to, m.token = to, token
	return nil
}

type testEnv struct {
	db       *sql.DB
	gateway  *stubGateway
	ledger   *store.PurchaseStore
	accounts *store.AccountStore
	sessions *store.LoginSessionStore
	tokens   *auth.Tokens
	mailer   *stubMailer
	checkout *CheckoutHandler
	webhook  *WebhookHandler
	catalog  *CatalogHandler
	history  *PurchaseHandler
	auth     *AuthHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := store.NewCatalogStore(db)
	e := &testEnv{
		db: db,
		gateway: &stubGateway{
			checkouts: map[string]*purchase.CheckoutSession{},
			events:    map[string]*purchase.Event{},
		},
		ledger:   store.NewPurchaseStore(db),
		accounts: store.NewAccountStore(db),
		sessions: store.NewLoginSessionStore(db),
		tokens:   auth.NewTokens("test-secret"),
		mailer:   &stubMailer{},
	}
	reconciler := purchase.NewReconciler(e.ledger, e.gateway, logger,
		purchase.WithGatewayRetry(time.Second, 1, time.Millisecond))
	access := purchase.NewAccess(catalog, e.ledger)

	e.checkout = NewCheckoutHandler(purchase.NewCheckout(catalog, e.gateway, logger), reconciler, logger)
	e.webhook = NewWebhookHandler(reconciler, logger)
	e.catalog = NewCatalogHandler(catalog, access, logger)
	e.history = NewPurchaseHandler(e.ledger, logger)
	e.auth = NewAuthHandler(e.accounts, e.sessions, e.tokens, e.mailer, "https://valley.test", logger)

	err = catalog.UpsertSession(context.Background(), &model.Session{
		ID:    "S",
		Title: "Sleep Reset",
		Children: []model.ChildSession{
			{ID: "C1", Title: "Part one", SortOrder: 1,
				Pricing: model.Pricing{Price: decimal.NewNullDecimal(decimal.NewFromInt(100)), Currency: "AED"},
				SubSessions: []model.SubSession{{
					ID: "C1a", Title: "Intro", SortOrder: 1,
					AudioURLs: model.AudioURLs{English: "https://cdn.example/c1a-en.mp3"},
				}},
			},
			{ID: "C2", Title: "Part two", SortOrder: 2,
				SubSessions: []model.SubSession{{
					ID: "C2a", Title: "Free", SortOrder: 1,
					AudioURLs: model.AudioURLs{English: "https://cdn.example/c2a-en.mp3"},
				}},
			},
		},
	})
	if err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return e
}

func (e *testEnv) paid(csID, piID, email string) {
	e.gateway.mu.Lock()
	defer e.gateway.mu.Unlock()
	e.gateway.checkouts[csID] = &purchase.CheckoutSession{
		ID:              csID,
		Status:          "complete",
		PaymentStatus:   "paid",
		PaymentIntentID: piID,
		CustomerEmail:   email,
		AmountTotal:     10000,
		Currency:        "aed",
		Metadata:        purchase.Metadata{SessionID: "S", ChildID: "C1", SessionTitle: "Sleep Reset", BuyerEmail: email}.Map(),
	}
}

func asBuyer(r *http.Request, email string) *http.Request {
	return r.WithContext(auth.WithAuth(r.Context(), auth.AuthContext{AccountID: 1, Email: email, Name: "U"}))
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return httptest.NewRequest(method, target, bytes.NewReader(buf))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCheckoutCreate(t *testing.T) {
	e := newTestEnv(t)

	req := asBuyer(jsonRequest(t, "POST", "/api/checkout", map[string]string{
		"sessionId": "S", "childId": "C1",
		"successUrl": "https://valley.test/ok", "cancelUrl": "https://valley.test/cancel",
	}), "u@example.com")
	rec := httptest.NewRecorder()
	e.checkout.Create(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["checkoutUrl"] != "https://pay.example/cs_new" {
		t.Errorf("checkoutUrl = %v", body["checkoutUrl"])
	}
	if body["sessionId"] != "cs_new" {
		t.Errorf("sessionId = %v", body["sessionId"])
	}
}

func TestCheckoutCreateErrors(t *testing.T) {
	tests := []struct {
		name       string
		email      string
		body       map[string]string
		gatewayErr error
		wantStatus int
		wantCode   string
	}{
		{"anonymous", "", map[string]string{"sessionId": "S", "childId": "C1", "successUrl": "u", "cancelUrl": "c"}, nil, http.StatusUnauthorized, "unauthorized"},
		{"missing fields", "u@example.com", map[string]string{"sessionId": "S"}, nil, http.StatusBadRequest, "validation_error"},
		{"unknown session", "u@example.com", map[string]string{"sessionId": "X", "successUrl": "u", "cancelUrl": "c"}, nil, http.StatusNotFound, "not_found"},
		{"free child", "u@example.com", map[string]string{"sessionId": "S", "childId": "C2", "successUrl": "u", "cancelUrl": "c"}, nil, http.StatusBadRequest, "invalid_price"},
		{"declined", "u@example.com", map[string]string{"sessionId": "S", "childId": "C1", "successUrl": "u", "cancelUrl": "c"}, purchase.ErrCardDeclined.New("declined"), http.StatusPaymentRequired, "card_declined"},
		{"rate limited", "u@example.com", map[string]string{"sessionId": "S", "childId": "C1", "successUrl": "u", "cancelUrl": "c"}, purchase.ErrRateLimited.New("slow"), http.StatusTooManyRequests, "rate_limited"},
		{"unavailable", "u@example.com", map[string]string{"sessionId": "S", "childId": "C1", "successUrl": "u", "cancelUrl": "c"}, purchase.ErrGatewayUnavailable.New("down"), http.StatusInternalServerError, "gateway_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.gateway.createErr = tt.gatewayErr

			req := jsonRequest(t, "POST", "/api/checkout", tt.body)
			if tt.email != "" {
				req = asBuyer(req, tt.email)
			}
			rec := httptest.NewRecorder()
			e.checkout.Create(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
			body := decodeBody(t, rec)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %v, want %q", body["code"], tt.wantCode)
			}
			if body["error"] == "" {
				t.Error("expected error message")
			}
			if tt.wantCode == "invalid_price" && e.gateway.created != 0 {
				t.Errorf("gateway called %d times for a free child", e.gateway.created)
			}
		})
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader([]byte("evt")))
	req.Header.Set("Stripe-Signature", "t=1,v1=forged")
	rec := httptest.NewRecorder()
	e.webhook.HandleStripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body := decodeBody(t, rec); body["code"] != "invalid_signature" {
		t.Errorf("code = %v", body["code"])
	}
}

func (e *testEnv) completedEvent(id, csID string) []byte {
	e.gateway.mu.Lock()
	defer e.gateway.mu.Unlock()
	e.gateway.events[id] = &purchase.Event{ID: id, Type: purchase.EventCheckoutCompleted, CheckoutSession: e.gateway.checkouts[csID]}
	return []byte(id)
}

func TestWebhookRecordsPurchase(t *testing.T) {
	e := newTestEnv(t)
	e.paid("cs_1", "pi_1", "u@example.com")
	payload := e.completedEvent("evt_1", "cs_1")

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", goodSignature)
	rec := httptest.NewRecorder()
	e.webhook.HandleStripeWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["received"] != true || body["eventId"] != "evt_1" || body["outcome"] != "inserted" {
		t.Errorf("body = %v", body)
	}

	p, err := e.ledger.GetByPaymentIntent(context.Background(), "pi_1")
	if err != nil || p == nil {
		t.Fatalf("purchase not recorded: %v", err)
	}
	if p.PaymentStatus != model.PaymentCompleted {
		t.Errorf("status = %q", p.PaymentStatus)
	}
}

func TestWebhookProcessingFailureReturns500(t *testing.T) {
	e := newTestEnv(t)
	e.paid("cs_1", "pi_1", "u@example.com")
	payload := e.completedEvent("evt_9", "cs_1")
	e.db.Close()

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", goodSignature)
	rec := httptest.NewRecorder()
	e.webhook.HandleStripeWebhook(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if body := decodeBody(t, rec); body["eventId"] != "evt_9" {
		t.Errorf("eventId = %v", body["eventId"])
	}
}

func TestVerify(t *testing.T) {
	e := newTestEnv(t)
	e.paid("cs_1", "pi_1", "u@example.com")

	req := asBuyer(jsonRequest(t, "POST", "/api/checkout/verify", map[string]string{"sessionId": "cs_1"}), "u@example.com")
	rec := httptest.NewRecorder()
	e.checkout.Verify(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	body := decodeBody(t, rec)
	if body["purchaseRecorded"] != true {
		t.Errorf("purchaseRecorded = %v", body["purchaseRecorded"])
	}
	if body["paymentIntentId"] != "pi_1" {
		t.Errorf("paymentIntentId = %v", body["paymentIntentId"])
	}
}

func TestVerifyUnpaid(t *testing.T) {
	e := newTestEnv(t)
	e.paid("cs_1", "pi_1", "u@example.com")
	e.gateway.checkouts["cs_1"].PaymentStatus = "unpaid"

	req := asBuyer(jsonRequest(t, "POST", "/api/checkout/verify", map[string]string{"sessionId": "cs_1"}), "u@example.com")
	rec := httptest.NewRecorder()
	e.checkout.Verify(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body := decodeBody(t, rec); body["code"] != "payment_not_completed" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestVerifyDegradesToPending(t *testing.T) {
	e := newTestEnv(t)
	e.gateway.getErr = purchase.ErrGatewayUnavailable.New("down")

	req := asBuyer(jsonRequest(t, "POST", "/api/checkout/verify", map[string]string{"sessionId": "cs_1"}), "u@example.com")
	rec := httptest.NewRecorder()
	e.checkout.Verify(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if body := decodeBody(t, rec); body["paymentStatus"] != "pending_confirmation" {
		t.Errorf("paymentStatus = %v", body["paymentStatus"])
	}
}

type childAccess struct {
	ID          string             `json:"id"`
	HasAccess   bool               `json:"hasAccess"`
	SubSessions []model.SubSession `json:"sub_sessions"`
}

func getSession(t *testing.T, e *testEnv, email string) map[string]childAccess {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/sessions/S", nil)
	req.SetPathValue("id", "S")
	if email != "" {
		req = asBuyer(req, email)
	}
	rec := httptest.NewRecorder()
	e.catalog.Get(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	var view struct {
		ID       string        `json:"id"`
		Children []childAccess `json:"child_sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if view.ID != "S" {
		t.Errorf("id = %q", view.ID)
	}
	out := map[string]childAccess{}
	for _, c := range view.Children {
		out[c.ID] = c
	}
	return out
}

func TestCatalogGetAccess(t *testing.T) {
	e := newTestEnv(t)

	children := getSession(t, e, "")
	if children["C1"].HasAccess {
		t.Error("anonymous caller should not have access to C1")
	}
	if children["C1"].SubSessions[0].AudioURLs.English != "" {
		t.Error("locked child should not expose audio")
	}
	if !children["C2"].HasAccess {
		t.Error("free child should be open")
	}
	if children["C2"].SubSessions[0].AudioURLs.English == "" {
		t.Error("free child should expose audio")
	}

	e.paid("cs_1", "pi_1", "u@example.com")
	req := asBuyer(jsonRequest(t, "POST", "/api/checkout/verify", map[string]string{"sessionId": "cs_1"}), "u@example.com")
	e.checkout.Verify(httptest.NewRecorder(), req)

	children = getSession(t, e, "u@example.com")
	if !children["C1"].HasAccess {
		t.Error("buyer should have access to C1 after purchase")
	}
	if children["C1"].SubSessions[0].AudioURLs.English == "" {
		t.Error("purchased child should expose audio")
	}

	children = getSession(t, e, "other@example.com")
	if children["C1"].HasAccess {
		t.Error("access leaked to another buyer")
	}
}

func TestCatalogGetNotFound(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/api/sessions/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	e.catalog.Get(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCatalogAccessEndpoint(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/api/sessions/S/children/C2/access", nil)
	req.SetPathValue("id", "S")
	req.SetPathValue("childId", "C2")
	rec := httptest.NewRecorder()
	e.catalog.Access(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["hasAccess"] != true {
		t.Errorf("hasAccess = %v", body["hasAccess"])
	}
}

func TestCatalogList(t *testing.T) {
	e := newTestEnv(t)
	rec := httptest.NewRecorder()
	e.catalog.List(rec, httptest.NewRequest("GET", "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sessions []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 1 || sessions[0]["id"] != "S" {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestPurchaseList(t *testing.T) {
	e := newTestEnv(t)
	e.paid("cs_1", "pi_1", "u@example.com")
	e.checkout.Verify(httptest.NewRecorder(),
		asBuyer(jsonRequest(t, "POST", "/api/checkout/verify", map[string]string{"sessionId": "cs_1"}), "u@example.com"))

	rec := httptest.NewRecorder()
	e.history.List(rec, asBuyer(httptest.NewRequest("GET", "/api/purchases", nil), "u@example.com"))
	var purchases []model.Purchase
	if err := json.NewDecoder(rec.Body).Decode(&purchases); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(purchases) != 1 || purchases[0].StripePaymentIntentID != "pi_1" {
		t.Errorf("purchases = %+v", purchases)
	}

	rec = httptest.NewRecorder()
	e.history.List(rec, asBuyer(httptest.NewRequest("GET", "/api/purchases", nil), "other@example.com"))
	if got := rec.Body.String(); got != "[]\n" {
		t.Errorf("other buyer purchases = %q, want empty list", got)
	}
}

func TestLoginSendsMagicLink(t *testing.T) {
	e := newTestEnv(t)

	rec := httptest.NewRecorder()
	e.auth.Login(rec, jsonRequest(t, "POST", "/auth/login", map[string]string{"email": " Alice@Example.com ", "name": "Alice"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if e.mailer.to != "alice@example.com" {
		t.Errorf("mail to = %q", e.mailer.to)
	}
	email, name, err := e.tokens.Verify(e.mailer.token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if email != "alice@example.com" || name != "Alice" {
		t.Errorf("token claims = %q, %q", email, name)
	}
}

func TestLoginRejectsBadEmail(t *testing.T) {
	e := newTestEnv(t)
	rec := httptest.NewRecorder()
	e.auth.Login(rec, jsonRequest(t, "POST", "/auth/login", map[string]string{"email": "nope"}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestVerifyMagicLinkStartsSession(t *testing.T) {
	e := newTestEnv(t)
	token, err := e.tokens.Issue("bob@example.com", "Bob")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rec := httptest.NewRecorder()
	e.auth.Verify(rec, httptest.NewRequest("GET", "/auth/verify?token="+token, nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusSeeOther)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "valley_session" {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("expected session cookie")
	}
	if !cookie.Secure || !cookie.HttpOnly {
		t.Errorf("cookie flags: secure=%v httponly=%v", cookie.Secure, cookie.HttpOnly)
	}

	sess, err := e.sessions.GetByToken(context.Background(), cookie.Value)
	if err != nil || sess == nil {
		t.Fatalf("session not stored: %v", err)
	}
	acct, err := e.accounts.GetByID(context.Background(), sess.AccountID)
	if err != nil || acct == nil || acct.Email != "bob@example.com" {
		t.Errorf("account = %+v, err = %v", acct, err)
	}
}

func TestVerifyMagicLinkInvalid(t *testing.T) {
	e := newTestEnv(t)
	rec := httptest.NewRecorder()
	e.auth.Verify(rec, httptest.NewRequest("GET", "/auth/verify?token=garbage", nil))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?error=invalid_link" {
		t.Errorf("Location = %q", loc)
	}
}

func TestLogout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	acct, _ := e.accounts.Create(ctx, "c@example.com", "")
	sess, _ := e.sessions.Create(ctx, acct.ID)

	req := httptest.NewRequest("POST", "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "valley_session", Value: sess.Token})
	rec := httptest.NewRecorder()
	e.auth.Logout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got, err := e.sessions.GetByToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got != nil {
		t.Error("session should be deleted")
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := httptest.NewRecorder()
	NewHealthHandler(e.db).Health(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
