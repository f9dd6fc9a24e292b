package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-sso-sync/server/agents"
	"github.com/jrsteele09/go-sso-sync/signal"
)

const (
	// browserCookieName identifies the browser, and with it the Agent, across requests
	browserCookieName   = "sso_bid"
	browserCookieMaxAge = 365 * 24 * time.Hour
)

type agentHandlerFunc func(w http.ResponseWriter, r *http.Request, a *agents.Agent)

// browserID returns the id carried by r, or a new one when it is missing or malformed
func browserID(r *http.Request) (id string, fresh bool) {
	if c, err := r.Cookie(browserCookieName); err == nil {
		if parsed, err := uuid.Parse(c.Value); err == nil {
			return parsed.String(), false
		}
	}
	return uuid.NewString(), true
}

func setBrowserCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     browserCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   getScheme(r) == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(browserCookieMaxAge.Seconds()),
	})
}

// WithAgent resolves the browser's Agent and keeps its logout cookie in step with the request
func (s *Server) WithAgent(next agentHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, fresh := browserID(r)
		a, err := s.registry.Get(id)
		if err != nil {
			s.log.Error().Err(err).Str("browser_id", id).Msg("Failed to create session agent")
			http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
			return
		}
		if fresh {
			setBrowserCookie(w, r, id)
		}
		a.Cookie.Observe(r)
		next(&cookieWriter{ResponseWriter: w, cookie: a.Cookie}, r, a)
	}
}

// cookieWriter writes the pending logout cookie just before the response headers
type cookieWriter struct {
	http.ResponseWriter
	cookie  *signal.CookieMedium
	applied bool
}

func (w *cookieWriter) apply() {
	if !w.applied {
		w.applied = true
		w.cookie.Apply(w.ResponseWriter)
	}
}

func (w *cookieWriter) WriteHeader(code int) {
	w.apply()
	w.ResponseWriter.WriteHeader(code)
}

func (w *cookieWriter) Write(b []byte) (int, error) {
	w.apply()
	return w.ResponseWriter.Write(b)
}

func (w *cookieWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
