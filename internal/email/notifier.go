package email

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/valley/internal/model"
)

// Notifier sends the purchase lifecycle emails.
type Notifier struct {
	client     *Client
	ownerEmail string
	siteURL    string
}

func NewNotifier(client *Client, ownerEmail, siteURL string) *Notifier {
	return &Notifier{client: client, ownerEmail: ownerEmail, siteURL: strings.TrimRight(siteURL, "/")}
}

// FormatAmount renders an amount with thousands separators and its currency,
// e.g. "1,250.50 AED".
func FormatAmount(amount decimal.Decimal, currency string) string {
	return humanize.FormatFloat("#,###.##", amount.InexactFloat64()) + " " + strings.ToUpper(currency)
}

func title(p *model.Purchase) string {
	if p.ChildSessionTitle != nil && *p.ChildSessionTitle != "" {
		return p.SessionTitle + ": " + *p.ChildSessionTitle
	}
	return p.SessionTitle
}

func displayName(p *model.Purchase) string {
	if p.UserName != "" {
		return p.UserName
	}
	return "Customer"
}

func (n *Notifier) PurchaseConfirmation(ctx context.Context, p *model.Purchase) error {
	if p.UserEmail == "" {
		return nil
	}
	amount := FormatAmount(p.AmountPaid, p.Currency)
	date := p.PurchaseDate.Format("2 Jan 2006")
	dashboard := n.siteURL + "/dashboard"

	text := fmt.Sprintf(
		"Dear %s,\n\nYour purchase has been confirmed.\n\nSession: %s\nAmount: %s\nPayment ID: %s\nPurchase date: %s\n\nYou can now listen in your dashboard: %s\n",
		displayName(p), title(p), amount, p.StripePaymentIntentID, date, dashboard,
	)
	body := fmt.Sprintf(
		`<h2>Thank you for your purchase!</h2><p>Dear %s,</p><p>Your purchase has been confirmed.</p>`+
			`<p><strong>Session:</strong> %s<br><strong>Amount:</strong> %s<br><strong>Payment ID:</strong> %s<br><strong>Purchase date:</strong> %s</p>`+
			`<p>You can now listen in your <a href="%s">dashboard</a>.</p>`,
		html.EscapeString(displayName(p)), html.EscapeString(title(p)), amount,
		html.EscapeString(p.StripePaymentIntentID), date, dashboard,
	)
	return n.client.send(ctx, message{
		To:       p.UserEmail,
		Subject:  "Purchase Confirmation - Subconscious Valley",
		HtmlBody: body,
		TextBody: text,
		Tag:      "purchase-confirmation",
	})
}

func (n *Notifier) OwnerNotification(ctx context.Context, p *model.Purchase) error {
	if n.ownerEmail == "" {
		return nil
	}
	amount := FormatAmount(p.AmountPaid, p.Currency)
	net, fee := "n/a", "n/a"
	if p.NetAmount.Valid {
		net = FormatAmount(p.NetAmount.Decimal, p.Currency)
	}
	if p.TransactionFee.Valid {
		fee = FormatAmount(p.TransactionFee.Decimal, p.Currency)
	}
	method := p.PaymentMethod
	if method == "" {
		method = "card"
	}
	when := humanize.Time(p.PurchaseDate)

	text := fmt.Sprintf(
		"Customer: %s (%s)\nSession: %s\nAmount: %s\nNet amount: %s\nTransaction fee: %s\nPayment method: %s\nPayment ID: %s\nPurchased: %s\nBilling: %s, %s\n",
		p.UserName, p.UserEmail, title(p), amount, net, fee, method,
		p.StripePaymentIntentID, when, p.Billing.City, p.Billing.Country,
	)
	return n.client.send(ctx, message{
		To:       n.ownerEmail,
		Subject:  fmt.Sprintf("New Purchase: %s - %s", title(p), amount),
		HtmlBody: "<pre>" + html.EscapeString(text) + "</pre>",
		TextBody: text,
		Tag:      "owner-notification",
	})
}

func (n *Notifier) PaymentFailed(ctx context.Context, p *model.Purchase) error {
	if p.UserEmail == "" {
		return nil
	}
	reason := "Payment declined"
	if p.Error != nil && p.Error.Message != "" {
		reason = p.Error.Message
	}
	amount := FormatAmount(p.AmountPaid, p.Currency)
	retry := n.siteURL + "/sessions"

	text := fmt.Sprintf(
		"Dear %s,\n\nYour payment for %q could not be processed.\n\nAmount: %s\nReason: %s\n\nPlease try again with a different payment method: %s\n",
		displayName(p), title(p), amount, reason, retry,
	)
	body := fmt.Sprintf(
		`<h2>Payment Failed</h2><p>Dear %s,</p><p>Your payment for "%s" could not be processed.</p>`+
			`<p><strong>Amount:</strong> %s<br><strong>Reason:</strong> %s</p>`+
			`<p><a href="%s">Try again</a></p>`,
		html.EscapeString(displayName(p)), html.EscapeString(title(p)), amount,
		html.EscapeString(reason), retry,
	)
	return n.client.send(ctx, message{
		To:       p.UserEmail,
		Subject:  "Payment Failed - Subconscious Valley",
		HtmlBody: body,
		TextBody: text,
		Tag:      "payment-failed",
	})
}
