package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/valley/internal/model"
)

// Message is a purchase status update pushed to the buyer's open pages.
type Message struct {
	Type              string              `json:"type"`
	PaymentIntentID   string              `json:"paymentIntentId"`
	CheckoutSessionID string              `json:"checkoutSessionId,omitempty"`
	SessionID         string              `json:"sessionId"`
	ChildSessionID    string              `json:"childSessionId,omitempty"`
	PaymentStatus     model.PaymentStatus `json:"paymentStatus"`
}

// NewPurchaseMessage derives the message type from the payment status,
// e.g. purchase_completed.
func NewPurchaseMessage(p *model.Purchase) Message {
	msg := Message{
		Type:            "purchase_" + string(p.PaymentStatus),
		PaymentIntentID: p.StripePaymentIntentID,
		SessionID:       p.SessionID,
		PaymentStatus:   p.PaymentStatus,
	}
	if p.StripeCheckoutSessionID != nil {
		msg.CheckoutSessionID = *p.StripeCheckoutSessionID
	}
	if p.ChildSessionID != nil {
		msg.ChildSessionID = *p.ChildSessionID
	}
	return msg
}

// Hub tracks open connections per buyer email.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.email]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.email] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.email]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.email)
		}
	}
	h.mu.Unlock()
}

// Send delivers msg to every connection of email.
func (h *Hub) Send(email string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal purchase message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[email] {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop rather than block the reconciler.
		}
	}
}

// PublishPurchase implements purchase.Publisher.
func (h *Hub) PublishPurchase(p *model.Purchase) {
	if p.UserEmail == "" {
		return
	}
	h.Send(p.UserEmail, NewPurchaseMessage(p))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}
