package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MagicLinkTTL bounds how long an emailed sign-in link stays valid.
const MagicLinkTTL = 15 * time.Minute

const magicLinkAudience = "valley-magic-link"

var ErrInvalidToken = errors.New("invalid or expired token")

type magicLinkClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies signed magic-link tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: MagicLinkTTL, now: time.Now}
}

// Issue returns a token proving control of email.
func (t *Tokens) Issue(email, name string) (string, error) {
	now := t.now()
	claims := magicLinkClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(strings.TrimSpace(email)),
			Audience:  jwt.ClaimStrings{magicLinkAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign magic link: %w", err)
	}
	return signed, nil
}

// Verify returns the email and name carried by a valid token.
func (t *Tokens) Verify(token string) (email, name string, err error) {
	claims := &magicLinkClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(magicLinkAudience),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid {
		return "", "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.Name, nil
}
