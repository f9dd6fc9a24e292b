package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-sso-sync/internal/config"
	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/provider/providerfake"
	"github.com/jrsteele09/go-sso-sync/server"
	"github.com/jrsteele09/go-sso-sync/server/agents"
	"github.com/jrsteele09/go-sso-sync/signal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type app struct {
	srv      *httptest.Server
	server   *server.Server
	registry *agents.Registry
	idp      *providerfake.Client
	browser  *http.Client
}

func newApp(t *testing.T, configure func(*agents.Deps), opts ...server.Option) *app {
	t.Helper()
	t.Setenv("ENV", "TEST")

	idp := providerfake.New()
	deps := agents.Deps{
		Clients: func(localstore.Store) (provider.Client, error) {
			return idp, nil
		},
		Store:        localstore.NewMemoryStore(),
		Orchestrator: orchestrator.DefaultConfig(),
		Logger:       zerolog.Nop(),
	}
	if configure != nil {
		configure(&deps)
	}
	registry := agents.NewRegistry(100, time.Minute, agents.NewFactory(deps))

	s, err := server.New(config.New(), registry, append([]server.Option{server.WithLogger(zerolog.Nop())}, opts...)...)
	require.NoError(t, err)
	srv := httptest.NewServer(s)

	t.Cleanup(func() {
		registry.Close()
		srv.Close()
		s.Close()
	})
	return &app{srv: srv, server: s, registry: registry, idp: idp, browser: newBrowser(t)}
}

func newBrowser(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (a *app) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.browser.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func (a *app) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	return a.do(t, http.MethodGet, path, "")
}

func (a *app) session(t *testing.T) server.SessionResponse {
	t.Helper()
	resp, body := a.get(t, server.RouteAPISession)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s server.SessionResponse
	require.NoError(t, json.Unmarshal([]byte(body), &s))
	return s
}

// state reports the session state, or "" when it cannot be read. Safe inside Eventually.
func (a *app) state() string {
	resp, err := a.browser.Get(a.srv.URL + server.RouteAPISession)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	var s server.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return ""
	}
	return s.State
}

// signIn walks the silent sign in: landing load, provider redirect, callback
func (a *app) signIn(t *testing.T, sub string) {
	t.Helper()
	resp, _ := a.get(t, "/")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Location"), providerfake.DefaultLoginURL))

	a.idp.CallbackSignsIn(sub)
	resp, _ = a.get(t, "/callback?return_to=%2Fdashboard")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func TestPages_SilentSignIn(t *testing.T) {
	a := newApp(t, nil)

	resp, _ := a.get(t, "/")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "none", loc.Query().Get("prompt"))

	a.idp.CallbackSignsIn("user-1")
	resp, _ = a.get(t, "/callback?return_to=%2Fdashboard")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))

	resp, body := a.get(t, "/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Contains(t, body, "user-1")
	require.Contains(t, body, `data-state="authenticated"`)

	resp, _ = a.get(t, "/")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func TestPages_NoProviderSession(t *testing.T) {
	a := newApp(t, nil)

	resp, _ := a.get(t, "/")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, _ = a.get(t, "/callback?error=login_required")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))

	t.Run("landing without another silent attempt", func(t *testing.T) {
		resp, body := a.get(t, "/")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, body, `data-state="unauthenticated"`)
		require.Contains(t, body, "Sign in")

		login, _, _ := a.idp.Calls()
		require.Len(t, login, 1)
	})

	t.Run("protected path", func(t *testing.T) {
		resp, _ := a.get(t, "/dashboard")
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		require.Equal(t, "/", resp.Header.Get("Location"))
	})
}

func TestPages_UnknownPath(t *testing.T) {
	a := newApp(t, nil)

	resp, _ := a.get(t, "/does/not/exist")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))

	resp, _ = a.get(t, "/favicon.ico")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Equal(t, 0, a.registry.Len())
}

func TestLogin(t *testing.T) {
	a := newApp(t, nil)

	resp, _ := a.get(t, server.RouteAuthLogin+"?return_to=%2Fdashboard")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/dashboard", loc.Query().Get("return_to"))
	require.Empty(t, loc.Query().Get("prompt"))

	t.Run("open redirect", func(t *testing.T) {
		resp, _ := a.get(t, server.RouteAuthLogin+"?return_to=https%3A%2F%2Fevil.example.com")
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		require.Equal(t, "/dashboard", loc.Query().Get("return_to"))
	})

	t.Run("provider unavailable", func(t *testing.T) {
		a.idp.FailLogin(&provider.Error{Code: "temporarily_unavailable"})
		resp, _ := a.get(t, server.RouteAuthLogin)
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestLogout(t *testing.T) {
	a := newApp(t, nil)
	a.signIn(t, "user-1")

	resp, _ := a.do(t, http.MethodPost, server.RouteAuthLogout, "")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Location"), providerfake.DefaultLogoutURL))

	var logoutCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == signal.CookieName {
			logoutCookie = c
		}
	}
	require.NotNil(t, logoutCookie)
	require.NotEmpty(t, logoutCookie.Value)

	_, _, logout := a.idp.Calls()
	require.NotEmpty(t, logout)
	require.True(t, logout[len(logout)-1].Federated)

	// The cooldown keeps the landing page from bouncing straight back to the provider.
	resp, body := a.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `data-state="unauthenticated"`)

	t.Run("provider failure still signs out locally", func(t *testing.T) {
		a.idp.FailLogout(&provider.Error{Code: "server_error"})
		resp, _ := a.do(t, http.MethodPost, server.RouteAuthLogout, "")
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		require.Equal(t, "/", resp.Header.Get("Location"))
	})
}

// A link or top-level navigation from another site must not end the session.
func TestLogout_GetDoesNotSignOut(t *testing.T) {
	a := newApp(t, nil)
	a.signIn(t, "user-1")
	_, _, before := a.idp.Calls()

	resp, _ := a.get(t, server.RouteAuthLogout)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	require.Equal(t, "/", resp.Header.Get("Location"))
	for _, c := range resp.Cookies() {
		require.NotEqual(t, signal.CookieName, c.Name)
	}

	_, _, after := a.idp.Calls()
	require.Len(t, after, len(before))
	require.True(t, a.session(t).Authenticated)
}

func TestSessionEvents(t *testing.T) {
	a := newApp(t, nil)

	t.Run("unknown event", func(t *testing.T) {
		resp, _ := a.do(t, http.MethodPost, server.RouteAPISessionEvents, `{"event":"blur"}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad body", func(t *testing.T) {
		resp, _ := a.do(t, http.MethodPost, server.RouteAPISessionEvents, `{`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	a.signIn(t, "user-1")
	s := a.session(t)
	require.True(t, s.Authenticated)
	require.Equal(t, "user-1", s.UserID)

	t.Run("transient failure keeps the session", func(t *testing.T) {
		a.idp.QueueTokenErrors(context.DeadlineExceeded)
		resp, body := a.do(t, http.MethodPost, server.RouteAPISessionEvents, `{"event":"focus"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, body, `"state":"authenticated"`)
	})

	t.Run("hidden does not validate", func(t *testing.T) {
		_, before, _ := a.idp.Calls()
		resp, _ := a.do(t, http.MethodPost, server.RouteAPISessionEvents, `{"event":"hidden"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		_, after, _ := a.idp.Calls()
		require.Len(t, after, len(before))
	})

	t.Run("server side logout detected on visible", func(t *testing.T) {
		a.idp.FailTokens(&provider.Error{Code: provider.CodeLoginRequired})
		resp, body := a.do(t, http.MethodPost, server.RouteAPISessionEvents, `{"event":"visible"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var s server.SessionResponse
		require.NoError(t, json.Unmarshal([]byte(body), &s))
		require.Equal(t, "unauthenticated", s.State)
		require.False(t, s.Authenticated)

		resp, body = a.get(t, "/")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, body, "Your session has ended")
	})
}

func TestBrowserCookie(t *testing.T) {
	a := newApp(t, nil)

	resp, _ := a.get(t, server.RouteAPISession)
	var bid *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "sso_bid" {
			bid = c
		}
	}
	require.NotNil(t, bid)
	require.True(t, bid.HttpOnly)
	_, err := uuid.Parse(bid.Value)
	require.NoError(t, err)

	resp, _ = a.get(t, server.RouteAPISession)
	require.Empty(t, resp.Cookies())
	require.Equal(t, 1, a.registry.Len())

	t.Run("malformed id replaced", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, a.srv.URL+server.RouteAPISession, nil)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: "sso_bid", Value: "../../etc"})
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		var fresh string
		for _, c := range resp.Cookies() {
			if c.Name == "sso_bid" {
				fresh = c.Value
			}
		}
		_, err = uuid.Parse(fresh)
		require.NoError(t, err)
	})
}

func TestOperationalRoutes(t *testing.T) {
	a := newApp(t, nil)

	resp, body := a.get(t, server.RouteHealth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, `"status":"ok"`)

	resp, _ = a.get(t, server.RouteMetrics)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = a.get(t, "/js/sso.js")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	require.Contains(t, body, "visibilitychange")

	resp, _ = a.get(t, "/js/missing.js")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.get(t, server.RouteHubLogout)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode, "hub routes are absent without WithHub")
}

func TestRecoverMiddleware(t *testing.T) {
	a := newApp(t, nil)

	h := a.server.RecoverMiddleware(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeOlderThan(time.Time) int {
	p.calls.Add(1)
	return 1
}

func TestFlowPurgeJob(t *testing.T) {
	t.Setenv("AUTH_FLOW_PURGE_SCHEDULE", "@every 1s")
	purger := &countingPurger{}
	newApp(t, nil, server.WithFlowPurge(purger, time.Minute))

	require.Eventually(t, func() bool {
		return purger.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)
}
