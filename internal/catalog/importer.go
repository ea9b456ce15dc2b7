// Package catalog loads content trees from YAML into the catalog store.
package catalog

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dukerupert/valley/internal/model"
)

type pricingDoc struct {
	Price              string `yaml:"price"`
	OriginalPrice      string `yaml:"original_price"`
	DiscountPercentage string `yaml:"discount_percentage"`
	Currency           string `yaml:"currency"`
}

type subSessionDoc struct {
	ID              string           `yaml:"id"`
	Title           string           `yaml:"title"`
	Description     string           `yaml:"description"`
	DurationMinutes int              `yaml:"duration"`
	ImageURL        string           `yaml:"image_url"`
	AudioURLs       model.AudioURLs  `yaml:"audio_urls"`
	Materials       []model.Material `yaml:"materials"`
	pricingDoc      `yaml:",inline"`
}

type childDoc struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	ImageURL    string          `yaml:"image_url"`
	SubSessions []subSessionDoc `yaml:"sub_sessions"`
	pricingDoc  `yaml:",inline"`
}

type sessionDoc struct {
	ID          string     `yaml:"id"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	Category    string     `yaml:"category"`
	ImageURL    string     `yaml:"image_url"`
	IsSample    bool       `yaml:"is_sample"`
	Children    []childDoc `yaml:"child_sessions"`
	pricingDoc  `yaml:",inline"`
}

type document struct {
	Sessions []sessionDoc `yaml:"sessions"`
}

// Parse decodes a catalog document. Nodes without an id get a random one;
// currencies are inherited from the parent and default to AED. Sort order
// follows document order.
func Parse(r io.Reader) ([]model.Session, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	sessions := make([]model.Session, 0, len(doc.Sessions))
	for i, sd := range doc.Sessions {
		s, err := sd.toModel()
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", i+1, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (sd sessionDoc) toModel() (model.Session, error) {
	if strings.TrimSpace(sd.Title) == "" {
		return model.Session{}, fmt.Errorf("title is required")
	}
	pricing, err := sd.pricingDoc.toModel(model.DefaultCurrency)
	if err != nil {
		return model.Session{}, fmt.Errorf("%s: %w", sd.Title, err)
	}
	s := model.Session{
		ID:          idOrNew(sd.ID),
		Title:       sd.Title,
		Description: sd.Description,
		Category:    sd.Category,
		ImageURL:    sd.ImageURL,
		IsSample:    sd.IsSample,
		Pricing:     pricing,
	}
	for i, cd := range sd.Children {
		if strings.TrimSpace(cd.Title) == "" {
			return model.Session{}, fmt.Errorf("%s: child %d: title is required", sd.Title, i+1)
		}
		cp, err := cd.pricingDoc.toModel(pricing.Currency)
		if err != nil {
			return model.Session{}, fmt.Errorf("%s / %s: %w", sd.Title, cd.Title, err)
		}
		child := model.ChildSession{
			ID:          idOrNew(cd.ID),
			SessionID:   s.ID,
			Title:       cd.Title,
			Description: cd.Description,
			ImageURL:    cd.ImageURL,
			SortOrder:   i + 1,
			Pricing:     cp,
		}
		for j, ssd := range cd.SubSessions {
			sp, err := ssd.pricingDoc.toModel(cp.Currency)
			if err != nil {
				return model.Session{}, fmt.Errorf("%s / %s / %s: %w", sd.Title, cd.Title, ssd.Title, err)
			}
			child.SubSessions = append(child.SubSessions, model.SubSession{
				ID:              idOrNew(ssd.ID),
				ChildSessionID:  child.ID,
				Title:           ssd.Title,
				Description:     ssd.Description,
				DurationMinutes: ssd.DurationMinutes,
				ImageURL:        ssd.ImageURL,
				AudioURLs:       ssd.AudioURLs,
				Materials:       ssd.Materials,
				SortOrder:       j + 1,
				Pricing:         sp,
			})
		}
		s.Children = append(s.Children, child)
	}
	return s, nil
}

func (p pricingDoc) toModel(parentCurrency string) (model.Pricing, error) {
	out := model.Pricing{Currency: strings.ToUpper(strings.TrimSpace(p.Currency))}
	if out.Currency == "" {
		out.Currency = parentCurrency
	}
	if p.Price != "" {
		d, err := decimal.NewFromString(p.Price)
		if err != nil {
			return out, fmt.Errorf("price %q: %w", p.Price, err)
		}
		if d.IsNegative() {
			return out, fmt.Errorf("price %q is negative", p.Price)
		}
		out.Price = decimal.NewNullDecimal(d)
	}
	var err error
	if out.OriginalPrice, err = optionalDecimal(p.OriginalPrice); err != nil {
		return out, fmt.Errorf("original_price: %w", err)
	}
	if out.DiscountPercentage, err = optionalDecimal(p.DiscountPercentage); err != nil {
		return out, fmt.Errorf("discount_percentage: %w", err)
	}
	return out, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func idOrNew(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}

// Upserter writes one session tree.
type Upserter interface {
	UpsertSession(ctx context.Context, s *model.Session) error
}

// Import writes every session and returns how many were stored.
func Import(ctx context.Context, dst Upserter, sessions []model.Session) (int, error) {
	for i := range sessions {
		if err := dst.UpsertSession(ctx, &sessions[i]); err != nil {
			return i, fmt.Errorf("upsert %s: %w", sessions[i].ID, err)
		}
	}
	return len(sessions), nil
}
