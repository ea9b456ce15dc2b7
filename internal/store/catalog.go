package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/valley/internal/model"
)

// CatalogStore reads and writes the three-level content catalog.
type CatalogStore struct {
	db *sql.DB
}

func NewCatalogStore(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

const sessionCols = `id, title, description, category, image_url, is_sample, parent_id,
	price, original_price, discount_percentage, currency, created_at, updated_at`

const childCols = `id, session_id, title, description, image_url, sort_order,
	price, original_price, discount_percentage, currency`

const subCols = `s.id, s.child_session_id, s.title, s.description, s.duration_minutes, s.image_url,
	s.audio_english, s.audio_hindi, s.audio_arabic, s.materials, s.sort_order,
	s.price, s.original_price, s.discount_percentage, s.currency`

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	var parentID sql.NullString
	err := scanner.Scan(
		&s.ID, &s.Title, &s.Description, &s.Category, &s.ImageURL, &s.IsSample, &parentID,
		&s.Price, &s.OriginalPrice, &s.DiscountPercentage, &s.Currency, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		s.ParentID = &parentID.String
	}
	return &s, nil
}

func scanChild(scanner interface{ Scan(...any) error }) (*model.ChildSession, error) {
	var c model.ChildSession
	err := scanner.Scan(
		&c.ID, &c.SessionID, &c.Title, &c.Description, &c.ImageURL, &c.SortOrder,
		&c.Price, &c.OriginalPrice, &c.DiscountPercentage, &c.Currency,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanSubSession(scanner interface{ Scan(...any) error }) (*model.SubSession, error) {
	var ss model.SubSession
	var materials string
	err := scanner.Scan(
		&ss.ID, &ss.ChildSessionID, &ss.Title, &ss.Description, &ss.DurationMinutes, &ss.ImageURL,
		&ss.AudioURLs.English, &ss.AudioURLs.Hindi, &ss.AudioURLs.Arabic, &materials, &ss.SortOrder,
		&ss.Price, &ss.OriginalPrice, &ss.DiscountPercentage, &ss.Currency,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(materials), &ss.Materials); err != nil {
		return nil, fmt.Errorf("decode materials for %s: %w", ss.ID, err)
	}
	return &ss, nil
}

// GetSession returns a session with its children and sub-sessions, or nil if
// the session does not exist.
func (s *CatalogStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sessions := []model.Session{*sess}
	if err := s.attachChildren(ctx, sessions, `WHERE session_id = ?`, id); err != nil {
		return nil, err
	}
	return &sessions[0], nil
}

// ListSessions returns every top-level session, each with its children and
// sub-sessions.
func (s *CatalogStore) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE parent_id IS NULL ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return sessions, nil
	}
	if err := s.attachChildren(ctx, sessions, ``); err != nil {
		return nil, err
	}
	return sessions, nil
}

// attachChildren loads child and sub-session rows matching where and hangs
// them off the given sessions.
func (s *CatalogStore) attachChildren(ctx context.Context, sessions []model.Session, where string, args ...any) error {
	byID := make(map[string]*model.Session, len(sessions))
	for i := range sessions {
		sessions[i].Children = []model.ChildSession{}
		byID[sessions[i].ID] = &sessions[i]
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+childCols+` FROM child_sessions `+where+` ORDER BY sort_order, id`, args...,
	)
	if err != nil {
		return fmt.Errorf("list child sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return fmt.Errorf("scan child session: %w", err)
		}
		if parent, ok := byID[c.SessionID]; ok {
			c.SubSessions = []model.SubSession{}
			parent.Children = append(parent.Children, *c)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	subWhere := ``
	if where != `` {
		subWhere = `WHERE c.session_id = ?`
	}
	subRows, err := s.db.QueryContext(ctx,
		`SELECT `+subCols+`, c.session_id FROM sub_sessions s
		 JOIN child_sessions c ON c.id = s.child_session_id `+subWhere+`
		 ORDER BY s.sort_order, s.id`, args...,
	)
	if err != nil {
		return fmt.Errorf("list sub sessions: %w", err)
	}
	defer subRows.Close()

	for subRows.Next() {
		var sessionID string
		ss, err := scanSubSession(scanFunc(func(dest ...any) error {
			return subRows.Scan(append(dest, &sessionID)...)
		}))
		if err != nil {
			return fmt.Errorf("scan sub session: %w", err)
		}
		parent, ok := byID[sessionID]
		if !ok {
			continue
		}
		if child := parent.Child(ss.ChildSessionID); child != nil {
			child.SubSessions = append(child.SubSessions, *ss)
		}
	}
	return subRows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// UpsertSession writes a session and replaces its children and sub-sessions
// in one transaction.
func (s *CatalogStore) UpsertSession(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, title, description, category, image_url, is_sample, parent_id,
			price, original_price, discount_percentage, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description, category = excluded.category,
			image_url = excluded.image_url, is_sample = excluded.is_sample, parent_id = excluded.parent_id,
			price = excluded.price, original_price = excluded.original_price,
			discount_percentage = excluded.discount_percentage, currency = excluded.currency,
			updated_at = excluded.updated_at`,
		sess.ID, sess.Title, sess.Description, sess.Category, sess.ImageURL, sess.IsSample, sess.ParentID,
		sess.Price, sess.OriginalPrice, sess.DiscountPercentage, currencyOrDefault(sess.Currency), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM child_sessions WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear child sessions: %w", err)
	}

	for i, c := range sess.Children {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO child_sessions (id, session_id, title, description, image_url, sort_order,
				price, original_price, discount_percentage, currency)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, sess.ID, c.Title, c.Description, c.ImageURL, c.SortOrder,
			c.Price, c.OriginalPrice, c.DiscountPercentage, currencyOrDefault(c.Currency),
		)
		if err != nil {
			return fmt.Errorf("insert child session %d: %w", i, err)
		}
		for j, ss := range c.SubSessions {
			materials := ss.Materials
			if materials == nil {
				materials = []model.Material{}
			}
			mat, err := json.Marshal(materials)
			if err != nil {
				return fmt.Errorf("encode materials: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sub_sessions (id, child_session_id, title, description, duration_minutes, image_url,
					audio_english, audio_hindi, audio_arabic, materials, sort_order,
					price, original_price, discount_percentage, currency)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ss.ID, c.ID, ss.Title, ss.Description, ss.DurationMinutes, ss.ImageURL,
				ss.AudioURLs.English, ss.AudioURLs.Hindi, ss.AudioURLs.Arabic, string(mat), ss.SortOrder,
				ss.Price, ss.OriginalPrice, ss.DiscountPercentage, currencyOrDefault(ss.Currency),
			)
			if err != nil {
				return fmt.Errorf("insert sub session %d of child %d: %w", j, i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *CatalogStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return model.DefaultCurrency
	}
	return c
}
