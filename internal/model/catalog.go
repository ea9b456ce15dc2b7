package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is used for catalog nodes imported without a currency.
const DefaultCurrency = "AED"

// Pricing is shared by every level of the catalog. A node whose price is
// absent or not positive is free.
type Pricing struct {
	Price              decimal.NullDecimal `json:"price"`
	OriginalPrice      decimal.Decimal     `json:"original_price"`
	DiscountPercentage decimal.Decimal     `json:"discount_percentage"`
	Currency           string              `json:"currency"`
}

// IsFree reports whether the node can be played without a purchase.
func (p Pricing) IsFree() bool {
	return !p.Price.Valid || !p.Price.Decimal.IsPositive()
}

type Session struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Category    string         `json:"category,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	IsSample    bool           `json:"is_sample"`
	ParentID    *string        `json:"parent_id"`
	Pricing
	Children  []ChildSession `json:"child_sessions"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Child returns the child session with the given id, or nil.
func (s *Session) Child(id string) *ChildSession {
	for i := range s.Children {
		if s.Children[i].ID == id {
			return &s.Children[i]
		}
	}
	return nil
}

type ChildSession struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url,omitempty"`
	SortOrder   int    `json:"order"`
	Pricing
	SubSessions []SubSession `json:"sub_sessions"`
}

// SubSession prices are informational only. Access is decided by the
// owning ChildSession.
type SubSession struct {
	ID              string     `json:"id"`
	ChildSessionID  string     `json:"child_session_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DurationMinutes int        `json:"duration"`
	ImageURL        string     `json:"image_url,omitempty"`
	AudioURLs       AudioURLs  `json:"audio_urls"`
	Materials       []Material `json:"materials"`
	SortOrder       int        `json:"order"`
	Pricing
}

type AudioURLs struct {
	English string `json:"english,omitempty" yaml:"english"`
	Hindi   string `json:"hindi,omitempty" yaml:"hindi"`
	Arabic  string `json:"arabic,omitempty" yaml:"arabic"`
}

type Material struct {
	Name string `json:"name" yaml:"name"`
	Link string `json:"link" yaml:"link"`
}
