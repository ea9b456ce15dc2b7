package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Valid reports whether s is one of the known payment statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded, PaymentCancelled:
		return true
	}
	return false
}

// Purchase is one row of the purchase ledger. StripePaymentIntentID is
// unique across the ledger.
type Purchase struct {
	ID                      int64               `json:"id"`
	SessionID               string              `json:"session_id"`
	ChildSessionID          *string             `json:"child_session_id"`
	SessionTitle            string              `json:"session_title"`
	ChildSessionTitle       *string             `json:"child_session_title"`
	UserEmail               string              `json:"user_email"`
	UserName                string              `json:"user_name,omitempty"`
	AmountPaid              decimal.Decimal     `json:"amount_paid"`
	Currency                string              `json:"currency"`
	NetAmount               decimal.NullDecimal `json:"net_amount"`
	TransactionFee          decimal.NullDecimal `json:"transaction_fee"`
	PaymentStatus           PaymentStatus       `json:"payment_status"`
	StripePaymentIntentID   string              `json:"stripe_payment_intent_id"`
	StripeCheckoutSessionID *string             `json:"stripe_checkout_session_id"`
	PaymentMethod           string              `json:"payment_method,omitempty"`
	Card                    CardDetails         `json:"payment_details"`
	Billing                 BillingAddress      `json:"billing_address"`
	AccessGranted           bool                `json:"access_granted"`
	Error                   *PurchaseError      `json:"error_details,omitempty"`
	PurchaseDate            time.Time           `json:"purchase_date"`
	NotifiedAt              *time.Time          `json:"notified_at,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

type CardDetails struct {
	Brand    string `json:"card_brand,omitempty"`
	Last4    string `json:"card_last4,omitempty"`
	ExpMonth int64  `json:"card_exp_month,omitempty"`
	ExpYear  int64  `json:"card_exp_year,omitempty"`
	Country  string `json:"card_country,omitempty"`
}

type BillingAddress struct {
	Country    string `json:"country,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	State      string `json:"state,omitempty"`
	City       string `json:"city,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
}

type PurchaseError struct {
	Code    string    `json:"error_code"`
	Message string    `json:"error_message"`
	At      time.Time `json:"error_date"`
}
