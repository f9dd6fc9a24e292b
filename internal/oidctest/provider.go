// Package oidctest runs a small OpenID Connect provider on httptest for tests:
// discovery, JWKS, authorization code with PKCE, refresh, userinfo and token minting.
package oidctest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RouteAuthorize  = "/authorize"
	RouteToken      = "/oauth/token"
	RouteUserInfo   = "/userinfo"
	RouteJWKS       = "/.well-known/jwks.json"
	RouteEndSession = "/v2/logout"

	contentTypeJSON = "application/json; charset=utf-8"

	BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"
)

type codeGrant struct {
	sub       string
	nonce     string
	challenge string
}

// Provider is a fake identity provider
type Provider struct {
	Server   *httptest.Server
	Issuer   string
	ClientID string
	Secret   string
	Key      *KeyPair

	mu           sync.Mutex
	codes        map[string]codeGrant
	refresh      map[string]string
	access       map[string]string
	refreshErr   string
	refreshDelay time.Duration
	refreshCalls int
}

// New starts a provider and stops it when t ends
func New(t testing.TB, clientID string) *Provider {
	t.Helper()

	key, err := GenerateRSAKeyPair("test-key")
	if err != nil {
		t.Fatalf("oidctest: %v", err)
	}
	p := &Provider{
		ClientID: clientID,
		Secret:   "test-secret",
		Key:      key,
		codes:    make(map[string]codeGrant),
		refresh:  make(map[string]string),
		access:   make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET "+RouteJWKS, p.jwks)
	mux.HandleFunc("POST "+RouteToken, p.token)
	mux.HandleFunc("GET "+RouteUserInfo, p.userInfo)
	p.Server = httptest.NewServer(mux)
	p.Issuer = p.Server.URL
	t.Cleanup(p.Server.Close)
	return p
}

// IssueCode simulates a successful authorization for sub and returns the code
func (p *Provider) IssueCode(sub, nonce, challenge string) string {
	code := uuid.NewString()
	p.mu.Lock()
	p.codes[code] = codeGrant{sub: sub, nonce: nonce, challenge: challenge}
	p.mu.Unlock()
	return code
}

// FailRefresh makes every refresh grant fail with the OAuth error code. Empty restores success.
func (p *Provider) FailRefresh(code string) {
	p.mu.Lock()
	p.refreshErr = code
	p.mu.Unlock()
}

// DelayRefresh slows the token endpoint's refresh grant
func (p *Provider) DelayRefresh(d time.Duration) {
	p.mu.Lock()
	p.refreshDelay = d
	p.mu.Unlock()
}

// RevokeSessions invalidates every refresh token, as a federated logout would
func (p *Provider) RevokeSessions() {
	p.mu.Lock()
	p.refresh = make(map[string]string)
	p.mu.Unlock()
}

// RefreshCalls returns how many refresh grants were served
func (p *Provider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

// AccessToken registers an access token for sub at the userinfo endpoint
func (p *Provider) AccessToken(sub string) string {
	at := uuid.NewString()
	p.mu.Lock()
	p.access[at] = sub
	p.mu.Unlock()
	return at
}

// IDToken mints an id token for sub
func (p *Provider) IDToken(sub, nonce string) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   p.Issuer,
		"aud":   p.ClientID,
		"sub":   sub,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"name":  "Test " + sub,
		"email": sub + "@example.com",
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok, _ := p.Key.Sign(claims)
	return tok
}

// LogoutToken mints a back-channel logout token. extra overrides or adds claims.
func (p *Provider) LogoutToken(sub, sid string, extra jwt.MapClaims) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":    p.Issuer,
		"aud":    p.ClientID,
		"iat":    now.Unix(),
		"exp":    now.Add(2 * time.Minute).Unix(),
		"jti":    uuid.NewString(),
		"events": map[string]any{BackchannelLogoutEvent: map[string]any{}},
	}
	if sub != "" {
		claims["sub"] = sub
	}
	if sid != "" {
		claims["sid"] = sid
	}
	for k, v := range extra {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	tok, _ := p.Key.Sign(claims)
	return tok
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Issuer + RouteAuthorize,
		"token_endpoint":                        p.Issuer + RouteToken,
		"userinfo_endpoint":                     p.Issuer + RouteUserInfo,
		"jwks_uri":                              p.Issuer + RouteJWKS,
		"end_session_endpoint":                  p.Issuer + RouteEndSession,
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"backchannel_logout_supported":          true,
		"backchannel_logout_session_supported":  true,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, JWKS{Keys: []JWK{p.Key.ToJWK()}})
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchangeCode(w, r)
	case "refresh_token":
		p.refreshToken(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (p *Provider) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	p.mu.Lock()
	grant, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if grant.challenge != "" && base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	rt := uuid.NewString()
	p.mu.Lock()
	p.refresh[rt] = grant.sub
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  p.AccessToken(grant.sub),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": rt,
		"id_token":      p.IDToken(grant.sub, grant.nonce),
	})
}

func (p *Provider) refreshToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.refreshCalls++
	delay, failure := p.refreshDelay, p.refreshErr
	sub, ok := p.refresh[r.PostForm.Get("refresh_token")]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if failure != "" {
		oauthError(w, http.StatusBadRequest, failure)
		return
	}
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": p.AccessToken(sub),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     p.IDToken(sub, ""),
	})
}

func (p *Provider) userInfo(w http.ResponseWriter, r *http.Request) {
	at := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	sub, ok := p.access[at]
	p.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sub": sub, "email": sub + "@example.com"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": code})
}
