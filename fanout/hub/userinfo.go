package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-sso-sync/internal/errors"
)

const (
	defaultUserInfoCacheSize = 4096
	defaultUserInfoCacheTTL  = 5 * time.Minute
)

// UserInfoVerifier resolves access tokens through the provider's userinfo endpoint.
// Results are cached by token hash so reconnect storms do not hammer the provider.
type UserInfoVerifier struct {
	provider *oidc.Provider
	cache    *expirable.LRU[string, string]
}

var _ TokenVerifier = (*UserInfoVerifier)(nil)

func NewUserInfoVerifier(p *oidc.Provider, ttl time.Duration) *UserInfoVerifier {
	if ttl <= 0 {
		ttl = defaultUserInfoCacheTTL
	}
	return &UserInfoVerifier{
		provider: p,
		cache:    expirable.NewLRU[string, string](defaultUserInfoCacheSize, nil, ttl),
	}
}

func (v *UserInfoVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if sub, ok := v.cache.Get(key); ok {
		return sub, nil
	}

	info, err := v.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	if err != nil {
		return "", fmt.Errorf("[hub VerifyToken] %w: %w", errors.ErrForbidden, err)
	}
	if info.Subject == "" {
		return "", fmt.Errorf("[hub VerifyToken] %w: userinfo without subject", errors.ErrForbidden)
	}
	v.cache.Add(key, info.Subject)
	return info.Subject, nil
}
