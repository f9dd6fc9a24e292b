package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/provider/authflowrepo"
	"github.com/jrsteele09/go-sso-sync/provider/loginsession"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const tokenLeeway = 30 * time.Second

// Config describes the relying party registration at the provider
type Config struct {
	IssuerURL   string
	ClientID    string
	Secret      string
	RedirectURL string
	Scopes      []string
	Audience    string
}

// Discovery is the provider metadata shared by every browser context
type Discovery struct {
	Provider      *oidc.Provider
	OAuth2Config  *oauth2.Config
	Verifier      *oidc.IDTokenVerifier
	EndSessionURL string
	audience      string
}

// Discover fetches the provider's OpenID configuration
func Discover(ctx context.Context, cfg Config) (*Discovery, error) {
	p, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("[provider Discover] failed to create OIDC provider: %w", err)
	}

	var meta struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := p.Claims(&meta); err != nil {
		return nil, fmt.Errorf("[provider Discover] claims: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}

	return &Discovery{
		Provider: p,
		OAuth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.Secret,
			Endpoint:     p.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		Verifier:      p.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		EndSessionURL: meta.EndSession,
		audience:      cfg.Audience,
	}, nil
}

// OIDCClient is the provider client for one browser context
type OIDCClient struct {
	d        *Discovery
	flows    authflowrepo.Repo
	sessions loginsession.Repo
	log      zerolog.Logger
	now      func() time.Time
}

var _ Client = (*OIDCClient)(nil)

// NewOIDCClient creates a client. flows is shared by the process, sessions belongs to the browser.
func NewOIDCClient(d *Discovery, flows authflowrepo.Repo, sessions loginsession.Repo) *OIDCClient {
	return &OIDCClient{
		d:        d,
		flows:    flows,
		sessions: sessions,
		log:      log.Logger,
		now:      time.Now,
	}
}

func (c *OIDCClient) clientID() string {
	return c.d.OAuth2Config.ClientID
}

func (c *OIDCClient) State(ctx context.Context) State {
	s, err := c.sessions.Get(ctx, c.clientID())
	if err != nil {
		return State{}
	}
	if s.RefreshToken == "" && s.Expired(c.now(), 0) {
		return State{}
	}
	return State{
		IsAuthenticated: true,
		User:            &User{Sub: s.UserID, Name: s.Name, Email: s.Email},
	}
}

func (c *OIDCClient) LoginWithRedirect(ctx context.Context, opts LoginOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	state := uuid.NewString()
	nonce := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	err := c.flows.Upsert(state, &authflowrepo.AuthFlowState{
		CodeVerifier: verifier,
		Nonce:        nonce,
		ReturnURL:    opts.ReturnTo,
		Silent:       opts.Silent,
		CreatedAt:    c.now(),
	})
	if err != nil {
		return "", fmt.Errorf("[provider LoginWithRedirect] store flow: %w", err)
	}

	authOpts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	}
	if opts.Silent {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("prompt", "none"))
	}
	if c.d.audience != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("audience", c.d.audience))
	}
	return c.d.OAuth2Config.AuthCodeURL(state, authOpts...), nil
}

func (c *OIDCClient) HandleRedirectCallback(ctx context.Context, query url.Values) (string, error) {
	state := query.Get("state")
	code := query.Get("code")

	var flow *authflowrepo.AuthFlowState
	if state != "" {
		f, err := c.flows.Get(state)
		if err == nil {
			flow = f
			_ = c.flows.Delete(state)
		}
	}
	returnTo := ""
	if flow != nil {
		returnTo = flow.ReturnURL
	}

	if e := query.Get("error"); e != "" {
		return returnTo, &Error{Code: e, Description: query.Get("error_description")}
	}
	if code == "" || flow == nil {
		return returnTo, fmt.Errorf("[provider HandleRedirectCallback] %w", ssoerrors.ErrInvalidState)
	}

	tok, err := c.d.OAuth2Config.Exchange(ctx, code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return returnTo, fmt.Errorf("[provider HandleRedirectCallback] token exchange failed: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return returnTo, fmt.Errorf("[provider HandleRedirectCallback] %w", ssoerrors.ErrNoIDToken)
	}
	idToken, err := c.d.Verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return returnTo, fmt.Errorf("[provider HandleRedirectCallback] ID token verification failed: %w", err)
	}

	var claims struct {
		Nonce string `json:"nonce"`
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return returnTo, fmt.Errorf("[provider HandleRedirectCallback] failed to extract claims: %w", err)
	}
	if claims.Nonce != flow.Nonce {
		return returnTo, fmt.Errorf("[provider HandleRedirectCallback] %w", ssoerrors.ErrInvalidNonce)
	}

	session := loginsession.Session{
		ClientID:     c.clientID(),
		UserID:       claims.Sub,
		Email:        claims.Email,
		Name:         claims.Name,
		IDToken:      rawIDToken,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		Scopes:       c.d.OAuth2Config.Scopes,
		ExpiresAt:    tok.Expiry,
		CreatedAt:    c.now(),
	}
	if err := c.sessions.Upsert(ctx, c.clientID(), session); err != nil {
		return returnTo, fmt.Errorf("[provider HandleRedirectCallback] failed to cache session: %w", err)
	}

	c.log.Info().Str("user_id", claims.Sub).Bool("silent", flow.Silent).Msg("Signed in")
	return returnTo, nil
}

func (c *OIDCClient) GetAccessTokenSilently(ctx context.Context, opts TokenOptions) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	session, err := c.sessions.Get(ctx, c.clientID())
	if errors.Is(err, ssoerrors.ErrNotFound) {
		return "", &Error{Code: CodeLoginRequired, Description: "no cached session"}
	}
	if err != nil {
		return "", fmt.Errorf("[provider GetAccessTokenSilently] token cache: %w", err)
	}

	if !opts.BypassCache && session.AccessToken != "" && !session.Expired(c.now(), tokenLeeway) {
		return session.AccessToken, nil
	}
	if session.RefreshToken == "" {
		return "", &Error{Code: CodeMissingRefreshToken, Description: "no refresh token cached"}
	}

	// An expired token forces the source to hit the token endpoint.
	src := c.d.OAuth2Config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: session.RefreshToken,
		Expiry:       c.now().Add(-time.Hour),
	})
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("[provider GetAccessTokenSilently] refresh: %w", err)
	}

	session.AccessToken = tok.AccessToken
	session.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		session.RefreshToken = tok.RefreshToken
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		session.IDToken = raw
	}
	if err := c.sessions.Upsert(ctx, c.clientID(), session); err != nil {
		return "", fmt.Errorf("[provider GetAccessTokenSilently] failed to cache session: %w", err)
	}
	return tok.AccessToken, nil
}

func (c *OIDCClient) Logout(ctx context.Context, opts LogoutOptions) (string, error) {
	var idTokenHint string
	if s, err := c.sessions.Get(ctx, c.clientID()); err == nil {
		idTokenHint = s.IDToken
	}
	if err := c.sessions.Delete(ctx, c.clientID()); err != nil {
		return "", fmt.Errorf("[provider Logout] clear token cache: %w", err)
	}
	if opts.LocalOnly {
		return "", nil
	}
	if c.d.EndSessionURL == "" {
		// Provider without RP-initiated logout; only the local session can be ended.
		return opts.ReturnTo, nil
	}

	u, err := url.Parse(c.d.EndSessionURL)
	if err != nil {
		return "", fmt.Errorf("[provider Logout] end session endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.clientID())
	if opts.ReturnTo != "" {
		q.Set("post_logout_redirect_uri", opts.ReturnTo)
		q.Set("returnTo", opts.ReturnTo)
	}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if opts.Federated {
		q.Set("federated", "")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
