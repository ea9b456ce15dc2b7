package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dukerupert/valley/internal/model"
)

// LoginSessionTTL is how long a browser session stays valid.
const LoginSessionTTL = 30 * 24 * time.Hour

type LoginSessionStore struct {
	db *sql.DB
}

func NewLoginSessionStore(db *sql.DB) *LoginSessionStore {
	return &LoginSessionStore{db: db}
}

func scanLoginSession(scanner interface{ Scan(...any) error }) (*model.LoginSession, error) {
	var s model.LoginSession
	err := scanner.Scan(&s.ID, &s.Token, &s.AccountID, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const loginSessionCols = `id, token, account_id, expires_at, created_at`

// Create generates a new session with a crypto-random token.
func (s *LoginSessionStore) Create(ctx context.Context, accountID int64) (*model.LoginSession, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO login_sessions (token, account_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token, accountID, now.Add(LoginSessionTTL), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert login session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+loginSessionCols+` FROM login_sessions WHERE id = ?`, id)
	return scanLoginSession(row)
}

// GetByToken returns the session for the given token, or nil if expired or not found.
func (s *LoginSessionStore) GetByToken(ctx context.Context, token string) (*model.LoginSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+loginSessionCols+` FROM login_sessions WHERE token = ? AND expires_at > ?`,
		token, time.Now().UTC(),
	)
	sess, err := scanLoginSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get login session by token: %w", err)
	}
	return sess, nil
}

func (s *LoginSessionStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM login_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete login session: %w", err)
	}
	return nil
}

func (s *LoginSessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM login_sessions WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired login sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
