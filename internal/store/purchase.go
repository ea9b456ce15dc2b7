package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dukerupert/valley/internal/model"
)

// ErrConflict is returned by PurchaseStore.Insert when a record for the same
// payment intent already exists.
var ErrConflict = errors.New("purchase already recorded")

type PurchaseStore struct {
	db *sql.DB
}

func NewPurchaseStore(db *sql.DB) *PurchaseStore {
	return &PurchaseStore{db: db}
}

const purchaseCols = `id, session_id, child_session_id, session_title, child_session_title,
	user_email, user_name, amount_paid, currency, net_amount, transaction_fee,
	payment_status, stripe_payment_intent_id, stripe_checkout_session_id, payment_method,
	card_brand, card_last4, card_exp_month, card_exp_year, card_country,
	billing_country, billing_postal_code, billing_state, billing_city, billing_line1, billing_line2,
	access_granted, error_code, error_message, error_at, purchase_date, notified_at,
	created_at, updated_at`

func scanPurchase(scanner interface{ Scan(...any) error }) (*model.Purchase, error) {
	var p model.Purchase
	var (
		childID, childTitle, checkoutID            sql.NullString
		method, brand, last4, cardCountry          sql.NullString
		country, postal, state, city, line1, line2 sql.NullString
		expMonth, expYear                          sql.NullInt64
		errCode, errMessage                        sql.NullString
		errAt, notifiedAt                          sql.NullTime
	)
	err := scanner.Scan(
		&p.ID, &p.SessionID, &childID, &p.SessionTitle, &childTitle,
		&p.UserEmail, &p.UserName, &p.AmountPaid, &p.Currency, &p.NetAmount, &p.TransactionFee,
		&p.PaymentStatus, &p.StripePaymentIntentID, &checkoutID, &method,
		&brand, &last4, &expMonth, &expYear, &cardCountry,
		&country, &postal, &state, &city, &line1, &line2,
		&p.AccessGranted, &errCode, &errMessage, &errAt, &p.PurchaseDate, &notifiedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if childID.Valid {
		p.ChildSessionID = &childID.String
	}
	if childTitle.Valid {
		p.ChildSessionTitle = &childTitle.String
	}
	if checkoutID.Valid {
		p.StripeCheckoutSessionID = &checkoutID.String
	}
	p.PaymentMethod = method.String
	p.Card = model.CardDetails{
		Brand:    brand.String,
		Last4:    last4.String,
		ExpMonth: expMonth.Int64,
		ExpYear:  expYear.Int64,
		Country:  cardCountry.String,
	}
	p.Billing = model.BillingAddress{
		Country:    country.String,
		PostalCode: postal.String,
		State:      state.String,
		City:       city.String,
		Line1:      line1.String,
		Line2:      line2.String,
	}
	if errCode.Valid || errMessage.Valid {
		p.Error = &model.PurchaseError{Code: errCode.String, Message: errMessage.String, At: errAt.Time}
	}
	if notifiedAt.Valid {
		p.NotifiedAt = &notifiedAt.Time
	}
	return &p, nil
}

// Insert records a purchase. The payment intent id is the idempotency key:
// when a row for it already exists nothing is written and ErrConflict is
// returned.
func (s *PurchaseStore) Insert(ctx context.Context, p *model.Purchase) (*model.Purchase, error) {
	if p.StripePaymentIntentID == "" {
		return nil, fmt.Errorf("insert purchase: missing payment intent id")
	}
	now := time.Now().UTC()
	purchaseDate := p.PurchaseDate
	if purchaseDate.IsZero() {
		purchaseDate = now
	}
	var errCode, errMessage, errAt any
	if p.Error != nil {
		errCode, errMessage, errAt = p.Error.Code, p.Error.Message, p.Error.At
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO purchases (
			session_id, child_session_id, session_title, child_session_title,
			user_email, user_name, amount_paid, currency, net_amount, transaction_fee,
			payment_status, stripe_payment_intent_id, stripe_checkout_session_id, payment_method,
			card_brand, card_last4, card_exp_month, card_exp_year, card_country,
			billing_country, billing_postal_code, billing_state, billing_city, billing_line1, billing_line2,
			access_granted, error_code, error_message, error_at, purchase_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_payment_intent_id) DO NOTHING`,
		p.SessionID, p.ChildSessionID, p.SessionTitle, p.ChildSessionTitle,
		p.UserEmail, p.UserName, p.AmountPaid, p.Currency, p.NetAmount, p.TransactionFee,
		p.PaymentStatus, p.StripePaymentIntentID, p.StripeCheckoutSessionID, nullString(p.PaymentMethod),
		nullString(p.Card.Brand), nullString(p.Card.Last4), nullInt(p.Card.ExpMonth), nullInt(p.Card.ExpYear), nullString(p.Card.Country),
		nullString(p.Billing.Country), nullString(p.Billing.PostalCode), nullString(p.Billing.State),
		nullString(p.Billing.City), nullString(p.Billing.Line1), nullString(p.Billing.Line2),
		p.PaymentStatus == model.PaymentCompleted, errCode, errMessage, errAt, purchaseDate, now, now,
	)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrConflict
	}
	return s.GetByPaymentIntent(ctx, p.StripePaymentIntentID)
}

func (s *PurchaseStore) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Purchase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+purchaseCols+` FROM purchases WHERE stripe_payment_intent_id = ?`,
		paymentIntentID,
	)
	p, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase by payment intent: %w", err)
	}
	return p, nil
}

// FindByPaymentRef returns the purchase matching either the payment intent id
// or the checkout session id. Empty arguments are ignored.
func (s *PurchaseStore) FindByPaymentRef(ctx context.Context, paymentIntentID, checkoutSessionID string) (*model.Purchase, error) {
	if paymentIntentID == "" && checkoutSessionID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+purchaseCols+` FROM purchases
		 WHERE (? != '' AND stripe_payment_intent_id = ?)
		    OR (? != '' AND stripe_checkout_session_id = ?)
		 ORDER BY id LIMIT 1`,
		paymentIntentID, paymentIntentID, checkoutSessionID, checkoutSessionID,
	)
	p, err := scanPurchase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find purchase by payment ref: %w", err)
	}
	return p, nil
}

// MarkCompleted promotes a pending or failed record to completed and grants
// access. It reports whether a row changed. Completed, refunded and cancelled
// records are left alone.
func (s *PurchaseStore) MarkCompleted(ctx context.Context, paymentIntentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET payment_status = 'completed', access_granted = 1, updated_at = ?
		 WHERE stripe_payment_intent_id = ? AND payment_status IN ('pending', 'failed')`,
		time.Now().UTC(), paymentIntentID,
	)
	if err != nil {
		return false, fmt.Errorf("mark purchase completed: %w", err)
	}
	return affected(result)
}

// MarkFailed moves a pending record to failed and records the failure.
func (s *PurchaseStore) MarkFailed(ctx context.Context, paymentIntentID string, perr model.PurchaseError) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET payment_status = 'failed', access_granted = 0,
			error_code = ?, error_message = ?, error_at = ?, updated_at = ?
		 WHERE stripe_payment_intent_id = ? AND payment_status = 'pending'`,
		perr.Code, perr.Message, perr.At, time.Now().UTC(), paymentIntentID,
	)
	if err != nil {
		return false, fmt.Errorf("mark purchase failed: %w", err)
	}
	return affected(result)
}

// MarkCancelledByCheckout cancels a pending record whose checkout session
// expired before payment.
func (s *PurchaseStore) MarkCancelledByCheckout(ctx context.Context, checkoutSessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET payment_status = 'cancelled', access_granted = 0, updated_at = ?
		 WHERE stripe_checkout_session_id = ? AND payment_status = 'pending'`,
		time.Now().UTC(), checkoutSessionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark purchase cancelled: %w", err)
	}
	return affected(result)
}

// RecordError attaches failure detail without touching the payment status.
func (s *PurchaseStore) RecordError(ctx context.Context, paymentIntentID string, perr model.PurchaseError) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET error_code = ?, error_message = ?, error_at = ?, updated_at = ?
		 WHERE stripe_payment_intent_id = ?`,
		perr.Code, perr.Message, perr.At, time.Now().UTC(), paymentIntentID,
	)
	if err != nil {
		return fmt.Errorf("record purchase error: %w", err)
	}
	return nil
}

// ClaimNotification marks the purchase as notified. Only the first caller
// gets true.
func (s *PurchaseStore) ClaimNotification(ctx context.Context, paymentIntentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE purchases SET notified_at = ? WHERE stripe_payment_intent_id = ? AND notified_at IS NULL`,
		time.Now().UTC(), paymentIntentID,
	)
	if err != nil {
		return false, fmt.Errorf("claim purchase notification: %w", err)
	}
	return affected(result)
}

// ListCompletedForSession returns the completed purchases a buyer holds under
// one top-level session.
func (s *PurchaseStore) ListCompletedForSession(ctx context.Context, email, sessionID string) ([]model.Purchase, error) {
	return s.list(ctx,
		`SELECT `+purchaseCols+` FROM purchases
		 WHERE user_email = ? AND session_id = ? AND payment_status = 'completed'
		 ORDER BY id`,
		email, sessionID,
	)
}

// ListByEmail returns every ledger row for a buyer, newest first.
func (s *PurchaseStore) ListByEmail(ctx context.Context, email string) ([]model.Purchase, error) {
	return s.list(ctx,
		`SELECT `+purchaseCols+` FROM purchases WHERE user_email = ? ORDER BY purchase_date DESC, id DESC`,
		email,
	)
}

func (s *PurchaseStore) list(ctx context.Context, query string, args ...any) ([]model.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []model.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		purchases = append(purchases, *p)
	}
	return purchases, rows.Err()
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
