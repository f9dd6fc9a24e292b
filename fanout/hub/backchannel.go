package hub

import (
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	"github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
)

const (
	backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"
	logoutTokenMaxAge      = 5 * time.Minute
	logoutTokenClockSkew   = 30 * time.Second
	seenTokenCacheSize     = 8192
)

// NowTimeFunc is replaced in tests
var NowTimeFunc = time.Now

// BackchannelHandler accepts OpenID back-channel logout tokens from the provider
// and notifies the user's logout group.
type BackchannelHandler struct {
	verifier *oidc.IDTokenVerifier
	notifier Notifier
	seen     *expirable.LRU[string, struct{}]
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

type BackchannelOption func(*BackchannelHandler)

func WithBackchannelMetrics(m *metrics.Metrics) BackchannelOption {
	return func(h *BackchannelHandler) { h.metrics = m }
}

func WithBackchannelLogger(l zerolog.Logger) BackchannelOption {
	return func(h *BackchannelHandler) { h.log = l }
}

// NewBackchannelHandler verifies logout tokens against p for clientID.
func NewBackchannelHandler(p *oidc.Provider, clientID string, n Notifier, opts ...BackchannelOption) *BackchannelHandler {
	h := &BackchannelHandler{
		// Logout tokens carry their own iat/exp rules which are checked below.
		verifier: p.Verifier(&oidc.Config{ClientID: clientID, SkipExpiryCheck: true}),
		notifier: n,
		seen:     expirable.NewLRU[string, struct{}](seenTokenCacheSize, nil, logoutTokenMaxAge+logoutTokenClockSkew),
		log:      log.Logger,
	}
	for _, o := range opts {
		o(h)
	}
	h.metrics = metrics.OrNop(h.metrics)
	return h
}

type logoutClaims struct {
	SessionID string                    `json:"sid"`
	JTI       string                    `json:"jti"`
	Events    map[string]map[string]any `json:"events"`
	Nonce     *string                   `json:"nonce"`
}

func (h *BackchannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.reject(w, "bad_request", err)
		return
	}
	raw := r.PostForm.Get("logout_token")
	if raw == "" {
		h.reject(w, "bad_request", fmt.Errorf("missing logout_token"))
		return
	}

	ev, jti, err := h.verify(r, raw)
	if err != nil {
		h.reject(w, "invalid_token", err)
		return
	}
	if jti != "" {
		if _, dup := h.seen.Get(jti); dup {
			h.reject(w, "replayed", fmt.Errorf("%w: %s", errors.ErrReplayedToken, jti))
			return
		}
	}

	if err := h.notifier.Notify(r.Context(), ev); err != nil {
		h.metrics.BackchannelTotal.WithLabelValues("notify_failed").Inc()
		h.log.Error().Err(err).Str("user_id", ev.UserID).Msg("Back-channel logout notify failed")
		http.Error(w, "notify failed", http.StatusInternalServerError)
		return
	}
	if jti != "" {
		h.seen.Add(jti, struct{}{})
	}

	h.metrics.BackchannelTotal.WithLabelValues("accepted").Inc()
	h.log.Info().Str("user_id", ev.UserID).Str("sid", ev.SessionID).Msg("Back-channel logout accepted")
	w.WriteHeader(http.StatusOK)
}

func (h *BackchannelHandler) verify(r *http.Request, raw string) (contract.UserLoggedOut, string, error) {
	tok, err := h.verifier.Verify(r.Context(), raw)
	if err != nil {
		return contract.UserLoggedOut{}, "", fmt.Errorf("%w: %w", errors.ErrInvalidLogoutToken, err)
	}

	var c logoutClaims
	if err := tok.Claims(&c); err != nil {
		return contract.UserLoggedOut{}, "", fmt.Errorf("%w: %w", errors.ErrInvalidLogoutToken, err)
	}
	if _, ok := c.Events[backchannelLogoutEvent]; !ok {
		return contract.UserLoggedOut{}, "", fmt.Errorf("%w: missing logout event", errors.ErrInvalidLogoutToken)
	}
	if c.Nonce != nil {
		return contract.UserLoggedOut{}, "", fmt.Errorf("%w: nonce not allowed", errors.ErrInvalidLogoutToken)
	}
	// Group routing is by user, so a sid-only token cannot be delivered.
	if tok.Subject == "" {
		return contract.UserLoggedOut{}, "", fmt.Errorf("%w: missing sub", errors.ErrInvalidLogoutToken)
	}

	now := NowTimeFunc()
	if tok.IssuedAt.IsZero() || tok.IssuedAt.After(now.Add(logoutTokenClockSkew)) || now.Sub(tok.IssuedAt) > logoutTokenMaxAge {
		return contract.UserLoggedOut{}, "", fmt.Errorf("%w: iat out of range", errors.ErrInvalidLogoutToken)
	}
	if !tok.Expiry.IsZero() && now.After(tok.Expiry.Add(logoutTokenClockSkew)) {
		return contract.UserLoggedOut{}, "", fmt.Errorf("%w: expired", errors.ErrInvalidLogoutToken)
	}

	return contract.UserLoggedOut{
		UserID:    tok.Subject,
		SessionID: c.SessionID,
		Timestamp: tok.IssuedAt.UnixMilli(),
		Message:   "Signed out at the identity provider",
	}, c.JTI, nil
}

func (h *BackchannelHandler) reject(w http.ResponseWriter, result string, err error) {
	h.metrics.BackchannelTotal.WithLabelValues(result).Inc()
	h.log.Info().Err(err).Msg("Back-channel logout rejected")
	http.Error(w, "invalid request", http.StatusBadRequest)
}
