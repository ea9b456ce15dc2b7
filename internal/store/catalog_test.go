package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/valley/internal/model"
)

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func testSession() *model.Session {
	return &model.Session{
		ID:          "s1",
		Title:       "Deep Sleep",
		Description: "A guided series",
		Children: []model.ChildSession{
			{
				ID:        "c1",
				Title:     "Week one",
				SortOrder: 1,
				Pricing:   model.Pricing{Currency: "AED"},
				SubSessions: []model.SubSession{
					{ID: "ss1", Title: "Intro", DurationMinutes: 20, SortOrder: 1,
						AudioURLs: model.AudioURLs{English: "https://cdn.example.com/en/intro.mp3"},
						Materials: []model.Material{{Name: "Workbook", Link: "https://cdn.example.com/wb.pdf"}}},
					{ID: "ss2", Title: "Practice", DurationMinutes: 25, SortOrder: 2},
				},
			},
			{
				ID:        "c2",
				Title:     "Week two",
				SortOrder: 2,
				Pricing:   model.Pricing{Price: price("49.50"), Currency: "AED"},
			},
		},
	}
}

func TestCatalogUpsertAndGet(t *testing.T) {
	cs := NewCatalogStore(openTestDB(t))
	ctx := context.Background()

	if err := cs.UpsertSession(ctx, testSession()); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	got, err := cs.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Currency != model.DefaultCurrency {
		t.Errorf("currency = %q, want %q", got.Currency, model.DefaultCurrency)
	}
	if !got.IsFree() {
		t.Error("expected session without price to be free")
	}
	if len(got.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(got.Children))
	}
	c1 := got.Child("c1")
	if c1 == nil {
		t.Fatal("expected child c1")
	}
	if !c1.IsFree() {
		t.Error("expected c1 to be free")
	}
	if len(c1.SubSessions) != 2 {
		t.Fatalf("sub sessions = %d, want 2", len(c1.SubSessions))
	}
	if c1.SubSessions[0].ID != "ss1" {
		t.Errorf("first sub session = %q, want %q", c1.SubSessions[0].ID, "ss1")
	}
	if len(c1.SubSessions[0].Materials) != 1 || c1.SubSessions[0].Materials[0].Name != "Workbook" {
		t.Errorf("materials = %+v, want one workbook", c1.SubSessions[0].Materials)
	}
	if c1.SubSessions[0].AudioURLs.English == "" {
		t.Error("expected english audio url")
	}

	c2 := got.Child("c2")
	if c2.IsFree() {
		t.Error("expected c2 to be priced")
	}
	if !c2.Price.Decimal.Equal(decimal.RequireFromString("49.5")) {
		t.Errorf("price = %s, want 49.5", c2.Price.Decimal)
	}
	if c2.SubSessions == nil || len(c2.SubSessions) != 0 {
		t.Errorf("sub sessions = %v, want empty", c2.SubSessions)
	}
}

func TestCatalogGetSessionNotFound(t *testing.T) {
	cs := NewCatalogStore(openTestDB(t))

	got, err := cs.GetSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing session")
	}
}

func TestCatalogUpsertReplacesChildren(t *testing.T) {
	cs := NewCatalogStore(openTestDB(t))
	ctx := context.Background()

	sess := testSession()
	if err := cs.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	sess.Title = "Deeper Sleep"
	sess.Children = sess.Children[1:]
	if err := cs.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, _ := cs.GetSession(ctx, "s1")
	if got.Title != "Deeper Sleep" {
		t.Errorf("title = %q, want %q", got.Title, "Deeper Sleep")
	}
	if len(got.Children) != 1 || got.Children[0].ID != "c2" {
		t.Errorf("children = %+v, want only c2", got.Children)
	}
}

func TestCatalogListSessions(t *testing.T) {
	cs := NewCatalogStore(openTestDB(t))
	ctx := context.Background()

	cs.UpsertSession(ctx, testSession())
	cs.UpsertSession(ctx, &model.Session{
		ID:       "s2",
		Title:    "Sample",
		IsSample: true,
		Pricing:  model.Pricing{Price: price("10")},
		Children: []model.ChildSession{{ID: "s2c1", Title: "Only", SubSessions: []model.SubSession{{ID: "s2ss1", Title: "Play"}}}},
	})

	sessions, err := cs.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		switch s.ID {
		case "s1":
			if len(s.Children) != 2 {
				t.Errorf("s1 children = %d, want 2", len(s.Children))
			}
		case "s2":
			if !s.IsSample {
				t.Error("expected s2 to be a sample")
			}
			if len(s.Children) != 1 || len(s.Children[0].SubSessions) != 1 {
				t.Errorf("s2 tree = %+v, want one child with one sub session", s.Children)
			}
		default:
			t.Errorf("unexpected session %q", s.ID)
		}
	}
}

func TestCatalogDeleteSessionCascades(t *testing.T) {
	db := openTestDB(t)
	cs := NewCatalogStore(db)
	ctx := context.Background()

	cs.UpsertSession(ctx, testSession())
	if err := cs.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sub_sessions`).Scan(&n); err != nil {
		t.Fatalf("count sub sessions: %v", err)
	}
	if n != 0 {
		t.Errorf("sub sessions = %d, want 0 after cascade", n)
	}
}
