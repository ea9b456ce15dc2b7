package purchase

import (
	"strings"
)

// Metadata keys written on checkout sessions and payment intents.
const (
	metaSessionID    = "sessionId"
	metaSessionTitle = "sessionTitle"
	metaChildID      = "childId"
	metaChildTitle   = "childTitle"
	metaBuyerEmail   = "userEmail"
	metaBuyerName    = "userName"
)

// Metadata is the purchase context carried through the gateway. Unknown keys
// are ignored when decoding.
type Metadata struct {
	SessionID    string
	SessionTitle string
	ChildID      string
	ChildTitle   string
	BuyerEmail   string
	BuyerName    string
}

// ParseMetadata decodes gateway metadata. Values are trimmed and the email is
// normalized. The literal strings "null" and "undefined" count as absent.
func ParseMetadata(raw map[string]string) Metadata {
	return Metadata{
		SessionID:    metaValue(raw, metaSessionID),
		SessionTitle: metaValue(raw, metaSessionTitle),
		ChildID:      metaValue(raw, metaChildID),
		ChildTitle:   metaValue(raw, metaChildTitle),
		BuyerEmail:   NormalizeEmail(metaValue(raw, metaBuyerEmail)),
		BuyerName:    metaValue(raw, metaBuyerName),
	}
}

func metaValue(raw map[string]string, key string) string {
	v := strings.TrimSpace(raw[key])
	if v == "null" || v == "undefined" {
		return ""
	}
	return v
}

// Map encodes m for the gateway. Empty values are omitted.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, 6)
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set(metaSessionID, m.SessionID)
	set(metaSessionTitle, m.SessionTitle)
	set(metaChildID, m.ChildID)
	set(metaChildTitle, m.ChildTitle)
	set(metaBuyerEmail, m.BuyerEmail)
	set(metaBuyerName, m.BuyerName)
	return out
}

// Merge fills empty fields of m from fallback.
func (m Metadata) Merge(fallback Metadata) Metadata {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return Metadata{
		SessionID:    pick(m.SessionID, fallback.SessionID),
		SessionTitle: pick(m.SessionTitle, fallback.SessionTitle),
		ChildID:      pick(m.ChildID, fallback.ChildID),
		ChildTitle:   pick(m.ChildTitle, fallback.ChildTitle),
		BuyerEmail:   pick(m.BuyerEmail, fallback.BuyerEmail),
		BuyerName:    pick(m.BuyerName, fallback.BuyerName),
	}
}

// NormalizeEmail lower-cases and trims an email address so that two requests
// for the same buyer compare equal.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
