package server

import (
	"net/http"

	"github.com/jrsteele09/go-sso-sync/server/agents"
)

// LoginHandler starts an interactive sign in (GET /auth/login?return_to=/dashboard)
func (s *Server) LoginHandler() http.HandlerFunc {
	return s.WithAgent(func(w http.ResponseWriter, r *http.Request, a *agents.Agent) {
		redirect, err := a.Orchestrator.BeginInteractiveLogin(r.Context(), r.URL.Query().Get("return_to"))
		if err != nil {
			s.log.Error().Err(err).Str("browser_id", a.ID).Msg("Failed to start sign in")
			http.Error(w, "Sign in is unavailable, please try again", http.StatusBadGateway)
			return
		}
		http.Redirect(w, r, redirect, http.StatusSeeOther)
	})
}

// LogoutHandler signs the user out of every application and sends the browser to the
// provider's end-session endpoint
func (s *Server) LogoutHandler() http.HandlerFunc {
	return s.WithAgent(func(w http.ResponseWriter, r *http.Request, a *agents.Agent) {
		endSession, err := a.Orchestrator.PerformLogout(r.Context(), "")
		if err != nil || endSession == "" {
			if err != nil {
				s.log.Warn().Err(err).Str("browser_id", a.ID).Msg("Provider logout failed, session cleared locally")
			}
			http.Redirect(w, r, s.paths.Anonymous, http.StatusSeeOther)
			return
		}
		http.Redirect(w, r, endSession, http.StatusSeeOther)
	})
}
