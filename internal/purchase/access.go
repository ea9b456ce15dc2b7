package purchase

import (
	"context"

	"github.com/dukerupert/valley/internal/model"
)

// Access decides whether a buyer may play a child session. It only reads.
type Access struct {
	catalog Catalog
	ledger  Ledger
}

func NewAccess(catalog Catalog, ledger Ledger) *Access {
	return &Access{catalog: catalog, ledger: ledger}
}

// HasAccess reports whether email may play childID within sessionID.
//
// A request without a child id is the collection view and is always allowed.
// Unknown nodes are denied. Sample sessions and free children are open to
// everyone. A priced child needs a completed purchase of that child, or of
// the whole session, under the same email.
func (a *Access) HasAccess(ctx context.Context, email, sessionID, childID string) (bool, error) {
	if childID == "" {
		return true, nil
	}
	session, err := a.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}
	child := session.Child(childID)
	if child == nil {
		return false, nil
	}
	if open(session, child) {
		return true, nil
	}

	email = NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	purchases, err := a.ledger.ListCompletedForSession(ctx, email, sessionID)
	if err != nil {
		return false, err
	}
	return granted(purchases, childID), nil
}

// Evaluate returns the access decision for every child of session with a
// single ledger read.
func (a *Access) Evaluate(ctx context.Context, email string, session *model.Session) (map[string]bool, error) {
	out := make(map[string]bool, len(session.Children))
	var purchases []model.Purchase
	loaded := false

	email = NormalizeEmail(email)
	for i := range session.Children {
		child := &session.Children[i]
		if open(session, child) {
			out[child.ID] = true
			continue
		}
		if email == "" {
			out[child.ID] = false
			continue
		}
		if !loaded {
			var err error
			purchases, err = a.ledger.ListCompletedForSession(ctx, email, session.ID)
			if err != nil {
				return nil, err
			}
			loaded = true
		}
		out[child.ID] = granted(purchases, child.ID)
	}
	return out, nil
}

func open(session *model.Session, child *model.ChildSession) bool {
	return session.IsSample || child.IsFree()
}

func granted(purchases []model.Purchase, childID string) bool {
	for _, p := range purchases {
		if p.PaymentStatus != model.PaymentCompleted {
			continue
		}
		if p.ChildSessionID == nil || *p.ChildSessionID == childID {
			return true
		}
	}
	return false
}
