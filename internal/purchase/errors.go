package purchase

import (
	"net/http"

	"github.com/zeebo/errs"
)

var (
	// ErrValidation is returned when a request is missing required fields.
	ErrValidation = errs.Class("validation")
	// ErrNotFound is returned when a session or child session does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrInvalidPrice is returned when the priced node costs nothing.
	ErrInvalidPrice = errs.Class("invalid price")
	// ErrUnauthorized is returned when no verified buyer email is present.
	ErrUnauthorized = errs.Class("unauthorized")
	// ErrSignature is returned when a webhook payload fails verification.
	ErrSignature = errs.Class("signature")
	// ErrCardDeclined is returned when the gateway declines the payment method.
	ErrCardDeclined = errs.Class("card declined")
	// ErrRateLimited is returned when the gateway throttles the request.
	ErrRateLimited = errs.Class("rate limited")
	// ErrInvalidRequest is returned when the gateway rejects the request.
	ErrInvalidRequest = errs.Class("invalid request")
	// ErrGatewayUnavailable covers every other gateway failure.
	ErrGatewayUnavailable = errs.Class("gateway unavailable")
	// ErrPaymentNotCompleted is returned by Verify when the checkout is unpaid.
	ErrPaymentNotCompleted = errs.Class("payment not completed")
)

type kind struct {
	class   *errs.Class
	code    string
	status  int
	message string
}

// kinds is ordered; the first class an error belongs to wins.
var kinds = []kind{
	{&ErrValidation, "validation_error", http.StatusBadRequest, "Missing required fields"},
	{&ErrNotFound, "not_found", http.StatusNotFound, "Session not found"},
	{&ErrInvalidPrice, "invalid_price", http.StatusBadRequest, "Invalid session price"},
	{&ErrUnauthorized, "unauthorized", http.StatusUnauthorized, "Authentication required"},
	{&ErrSignature, "invalid_signature", http.StatusBadRequest, "Webhook signature verification failed"},
	{&ErrCardDeclined, "card_declined", http.StatusPaymentRequired, "Payment method declined"},
	{&ErrRateLimited, "rate_limited", http.StatusTooManyRequests, "Too many requests, please try again later"},
	{&ErrInvalidRequest, "invalid_request", http.StatusBadRequest, "Invalid payment request"},
	{&ErrGatewayUnavailable, "gateway_unavailable", http.StatusInternalServerError, "Payment processing unavailable"},
	{&ErrPaymentNotCompleted, "payment_not_completed", http.StatusBadRequest, "Payment not completed"},
}

func lookup(err error) (kind, bool) {
	if err == nil {
		return kind{}, false
	}
	for _, k := range kinds {
		if k.class.Has(err) {
			return k, true
		}
	}
	return kind{}, false
}

// HTTPStatus maps an error returned by this package to a response status.
// Unclassified errors map to 500.
func HTTPStatus(err error) int {
	if k, ok := lookup(err); ok {
		return k.status
	}
	return http.StatusInternalServerError
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	if k, ok := lookup(err); ok {
		return k.code
	}
	return "internal_error"
}

// Message returns the buyer-facing message for err.
func Message(err error) string {
	if k, ok := lookup(err); ok {
		return k.message
	}
	return "Internal server error"
}

// retryable reports whether a gateway call is worth repeating.
func retryable(err error) bool {
	return ErrRateLimited.Has(err) || ErrGatewayUnavailable.Has(err)
}
