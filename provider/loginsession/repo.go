// Package loginsession is the session token cache: the tokens and identity the
// provider client holds for one browser, persisted in that browser's local store.
package loginsession

import (
	"context"
	"time"
)

type Session struct {
	// Core identity
	ClientID string
	UserID   string
	Email    string
	Name     string

	// Tokens (refresh is essential, access is convenience)
	IDToken      string
	RefreshToken string
	AccessToken  string

	Scopes []string

	// Session management
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the access token is past its expiry, allowing for leeway
func (s Session) Expired(now time.Time, leeway time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(s.ExpiresAt)
}

type Repo interface {
	Upsert(ctx context.Context, clientID string, session Session) error
	Get(ctx context.Context, clientID string) (Session, error)
	// Delete removes every cached entry for clientID.
	Delete(ctx context.Context, clientID string) error
}

// CacheKeyPrefix is the namespace owned by the token cache for clientID
func CacheKeyPrefix(clientID string) string {
	return "@@sso@@::" + clientID + "::"
}
