package server

import (
	"html/template"
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/jrsteele09/go-sso-sync/server/agents"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json; charset=utf-8"

	messageSyncing    = "Syncing your Account..."
	messageCompleting = "Completing sign in..."
)

// PageData is the template model shared by every page
type PageData struct {
	AppName    string
	State      string
	Message    string
	Notice     string
	UserID     string
	Home       string
	LoginURL   string
	LogoutURL  string
	SessionAPI string
	EventsAPI  string
}

type pages struct {
	loading   *template.Template
	landing   *template.Template
	dashboard *template.Template
}

func mustParsePages() pages {
	parse := func(name string) *template.Template {
		tmpl, err := ParseTemplate(name)
		if err != nil {
			panic("Failed to parse " + name + " template: " + err.Error())
		}
		return tmpl
	}
	return pages{
		loading:   parse("loading.html"),
		landing:   parse("landing.html"),
		dashboard: parse("dashboard.html"),
	}
}

// PageHandler lets the browser's orchestrator decide what a page load shows
func (s *Server) PageHandler() http.HandlerFunc {
	views := mustParsePages()

	return s.WithAgent(func(w http.ResponseWriter, r *http.Request, a *agents.Agent) {
		d := a.Orchestrator.Load(r.Context(), r.URL.Path, r.URL.Query())
		if d.Redirect != "" {
			http.Redirect(w, r, d.Redirect, http.StatusSeeOther)
			return
		}

		data := s.pageData(r, a)
		data.Notice = d.Notice

		var tmpl *template.Template
		switch d.View {
		case orchestrator.ViewLoading:
			tmpl, data.Message = views.loading, messageSyncing
		case orchestrator.ViewCallback:
			tmpl, data.Message = views.loading, messageCompleting
		case orchestrator.ViewLanding:
			tmpl = views.landing
		case orchestrator.ViewDashboard:
			tmpl = views.dashboard
		default:
			http.Redirect(w, r, s.paths.Anonymous, http.StatusSeeOther)
			return
		}

		w.Header().Set("Content-Type", contentTypeHTML)
		if err := tmpl.ExecuteTemplate(w, layoutTemplate, data); err != nil {
			s.log.Error().Err(err).Str("view", d.View.String()).Msg("Failed to render page")
		}
	})
}

func (s *Server) pageData(r *http.Request, a *agents.Agent) PageData {
	login := url.URL{Path: RouteAuthLogin}
	if s.paths.IsProtected(r.URL.Path) {
		login.RawQuery = url.Values{"return_to": {r.URL.RequestURI()}}.Encode()
	}
	return PageData{
		AppName:    s.config.GetAppName(),
		State:      a.Orchestrator.State().String(),
		UserID:     a.Orchestrator.UserID(),
		Home:       s.paths.Home,
		LoginURL:   login.String(),
		LogoutURL:  RouteAuthLogout,
		SessionAPI: RouteAPISession,
		EventsAPI:  RouteAPISessionEvents,
	}
}
