package model

import "time"

// LoginSession is a server-side browser session created after a magic link
// is redeemed.
type LoginSession struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	AccountID int64     `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
