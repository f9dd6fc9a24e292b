package provider_test

import (
	"context"
	"net/url"
	"testing"
	"time"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/internal/oidctest"
	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/provider/authflowrepo"
	"github.com/jrsteele09/go-sso-sync/provider/loginsession"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "app-a"
	testRedirectURL = "https://app-a.example.com/callback"
	testUserID      = "user-1"
)

type testFixture struct {
	idp    *oidctest.Provider
	kv     *localstore.MemoryStore
	flows  *authflowrepo.InMemoryRepo
	client *provider.OIDCClient
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	idp := oidctest.New(t, testClientID)
	d, err := provider.Discover(context.Background(), provider.Config{
		IssuerURL:   idp.Issuer,
		ClientID:    testClientID,
		Secret:      idp.Secret,
		RedirectURL: testRedirectURL,
	})
	require.NoError(t, err)

	kv := localstore.NewMemoryStore()
	flows := authflowrepo.NewInMemoryRepo()
	return &testFixture{
		idp:    idp,
		kv:     kv,
		flows:  flows,
		client: provider.NewOIDCClient(d, flows, loginsession.NewStoreRepo(kv)),
	}
}

// signIn drives a full authorization code flow through the fake provider
func (f *testFixture) signIn(t *testing.T, returnTo string) string {
	t.Helper()
	ctx := context.Background()

	loginURL, err := f.client.LoginWithRedirect(ctx, provider.LoginOptions{ReturnTo: returnTo})
	require.NoError(t, err)
	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	q := u.Query()

	code := f.idp.IssueCode(testUserID, q.Get("nonce"), q.Get("code_challenge"))
	got, err := f.client.HandleRedirectCallback(ctx, url.Values{"code": {code}, "state": {q.Get("state")}})
	require.NoError(t, err)
	return got
}

func TestLoginWithRedirect(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	t.Run("Silent login requests prompt none with PKCE", func(t *testing.T) {
		loginURL, err := f.client.LoginWithRedirect(ctx, provider.LoginOptions{Silent: true, ReturnTo: "/dashboard"})
		require.NoError(t, err)

		u, err := url.Parse(loginURL)
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, f.idp.Issuer+oidctest.RouteAuthorize, u.Scheme+"://"+u.Host+u.Path)
		require.Equal(t, "none", q.Get("prompt"))
		require.Equal(t, "S256", q.Get("code_challenge_method"))
		require.NotEmpty(t, q.Get("code_challenge"))
		require.NotEmpty(t, q.Get("nonce"))
		require.Equal(t, testRedirectURL, q.Get("redirect_uri"))

		flow, err := f.flows.Get(q.Get("state"))
		require.NoError(t, err)
		require.True(t, flow.Silent)
		require.Equal(t, "/dashboard", flow.ReturnURL)
	})

	t.Run("Interactive login has no prompt", func(t *testing.T) {
		loginURL, err := f.client.LoginWithRedirect(ctx, provider.LoginOptions{ReturnTo: "/"})
		require.NoError(t, err)
		u, _ := url.Parse(loginURL)
		require.Empty(t, u.Query().Get("prompt"))
	})
}

func TestHandleRedirectCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("Successful flow caches the session", func(t *testing.T) {
		f := setupTestFixture(t)
		require.False(t, f.client.State(ctx).IsAuthenticated)

		returnTo := f.signIn(t, "/dashboard")
		require.Equal(t, "/dashboard", returnTo)

		st := f.client.State(ctx)
		require.True(t, st.IsAuthenticated)
		require.Equal(t, testUserID, st.UserID())

		keys, err := f.kv.Keys(ctx, loginsession.CacheKeyPrefix(testClientID))
		require.NoError(t, err)
		require.NotEmpty(t, keys)
	})

	t.Run("Provider error is returned with the resume path", func(t *testing.T) {
		f := setupTestFixture(t)
		loginURL, err := f.client.LoginWithRedirect(ctx, provider.LoginOptions{Silent: true, ReturnTo: "/dashboard"})
		require.NoError(t, err)
		u, _ := url.Parse(loginURL)

		returnTo, err := f.client.HandleRedirectCallback(ctx, url.Values{
			"state": {u.Query().Get("state")},
			"error": {provider.CodeLoginRequired},
		})
		require.Error(t, err)
		require.Equal(t, "/dashboard", returnTo)
		require.Equal(t, provider.CodeLoginRequired, provider.CodeOf(err))
		require.True(t, provider.RequiresInteraction(err))

		_, err = f.flows.Get(u.Query().Get("state"))
		require.ErrorIs(t, err, ssoerrors.ErrInvalidState)
	})

	t.Run("Unknown state is rejected", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.client.HandleRedirectCallback(ctx, url.Values{"code": {"x"}, "state": {"nope"}})
		require.ErrorIs(t, err, ssoerrors.ErrInvalidState)
	})

	t.Run("Nonce mismatch is rejected", func(t *testing.T) {
		f := setupTestFixture(t)
		loginURL, err := f.client.LoginWithRedirect(ctx, provider.LoginOptions{})
		require.NoError(t, err)
		u, _ := url.Parse(loginURL)
		q := u.Query()

		code := f.idp.IssueCode(testUserID, "other-nonce", q.Get("code_challenge"))
		_, err = f.client.HandleRedirectCallback(ctx, url.Values{"code": {code}, "state": {q.Get("state")}})
		require.ErrorIs(t, err, ssoerrors.ErrInvalidNonce)
		require.False(t, f.client.State(ctx).IsAuthenticated)
	})
}

func TestGetAccessTokenSilently(t *testing.T) {
	ctx := context.Background()

	t.Run("No session requires login", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.client.GetAccessTokenSilently(ctx, provider.TokenOptions{})
		require.Equal(t, provider.CodeLoginRequired, provider.CodeOf(err))
	})

	t.Run("Cached token is returned without a refresh", func(t *testing.T) {
		f := setupTestFixture(t)
		f.signIn(t, "/")
		tok, err := f.client.GetAccessTokenSilently(ctx, provider.TokenOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, tok)
		require.Equal(t, 0, f.idp.RefreshCalls())
	})

	t.Run("Bypassing the cache forces a refresh", func(t *testing.T) {
		f := setupTestFixture(t)
		f.signIn(t, "/")
		first, err := f.client.GetAccessTokenSilently(ctx, provider.TokenOptions{})
		require.NoError(t, err)

		second, err := f.client.GetAccessTokenSilently(ctx, provider.TokenOptions{BypassCache: true, Timeout: 5 * time.Second})
		require.NoError(t, err)
		require.NotEqual(t, first, second)
		require.Equal(t, 1, f.idp.RefreshCalls())
	})

	t.Run("Revoked provider session surfaces invalid_grant", func(t *testing.T) {
		f := setupTestFixture(t)
		f.signIn(t, "/")
		f.idp.RevokeSessions()

		_, err := f.client.GetAccessTokenSilently(ctx, provider.TokenOptions{BypassCache: true})
		require.Error(t, err)
		require.Equal(t, provider.CodeInvalidGrant, provider.CodeOf(err))
	})

	t.Run("Slow provider surfaces a timeout", func(t *testing.T) {
		f := setupTestFixture(t)
		f.signIn(t, "/")
		f.idp.DelayRefresh(time.Second)

		_, err := f.client.GetAccessTokenSilently(ctx, provider.TokenOptions{BypassCache: true, Timeout: 50 * time.Millisecond})
		require.Error(t, err)
		require.Equal(t, provider.CodeTimeout, provider.CodeOf(err))
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("Local only clears the cache", func(t *testing.T) {
		f := setupTestFixture(t)
		f.signIn(t, "/")

		u, err := f.client.Logout(ctx, provider.LogoutOptions{LocalOnly: true})
		require.NoError(t, err)
		require.Empty(t, u)
		require.False(t, f.client.State(ctx).IsAuthenticated)
	})

	t.Run("Federated logout targets the end session endpoint", func(t *testing.T) {
		f := setupTestFixture(t)
		f.signIn(t, "/")

		logoutURL, err := f.client.Logout(ctx, provider.LogoutOptions{ReturnTo: "https://app-a.example.com/", Federated: true})
		require.NoError(t, err)

		u, err := url.Parse(logoutURL)
		require.NoError(t, err)
		q := u.Query()
		require.Equal(t, oidctest.RouteEndSession, u.Path)
		require.True(t, q.Has("federated"))
		require.Equal(t, "https://app-a.example.com/", q.Get("returnTo"))
		require.Equal(t, "https://app-a.example.com/", q.Get("post_logout_redirect_uri"))
		require.Equal(t, testClientID, q.Get("client_id"))
		require.NotEmpty(t, q.Get("id_token_hint"))
		require.False(t, f.client.State(ctx).IsAuthenticated)
	})
}
