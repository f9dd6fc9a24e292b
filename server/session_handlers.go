package server

import (
	"encoding/json"
	"net/http"

	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/jrsteele09/go-sso-sync/server/agents"
)

const (
	eventVisible = "visible"
	eventHidden  = "hidden"
	eventFocus   = "focus"

	maxEventBytes = 1 << 10
)

// SessionResponse is the session as the page script sees it
type SessionResponse struct {
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Loading       bool   `json:"loading"`
	UserID        string `json:"user_id,omitempty"`
}

type sessionEvent struct {
	Event string `json:"event"`
}

// SessionHandler reports the browser's session state (GET /api/session)
func (s *Server) SessionHandler() http.HandlerFunc {
	return s.WithAgent(func(w http.ResponseWriter, r *http.Request, a *agents.Agent) {
		writeSession(w, a)
	})
}

// SessionEventsHandler feeds page focus and visibility changes to the browser's
// orchestrator (POST /api/session/events {"event":"visible"|"hidden"|"focus"})
func (s *Server) SessionEventsHandler() http.HandlerFunc {
	return s.WithAgent(func(w http.ResponseWriter, r *http.Request, a *agents.Agent) {
		var ev sessionEvent
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
			writeJSONError(w, "invalid_request", "Failed to parse event", http.StatusBadRequest)
			return
		}

		switch ev.Event {
		case eventVisible:
			a.Orchestrator.OnVisibilityChange(r.Context(), true)
		case eventHidden:
			a.Orchestrator.OnVisibilityChange(r.Context(), false)
		case eventFocus:
			a.Orchestrator.OnFocus(r.Context())
		default:
			writeJSONError(w, "invalid_request", "Unknown event: "+ev.Event, http.StatusBadRequest)
			return
		}
		writeSession(w, a)
	})
}

func writeSession(w http.ResponseWriter, a *agents.Agent) {
	state := a.Orchestrator.State()
	resp := SessionResponse{
		State:         state.String(),
		Authenticated: state == orchestrator.Authenticated,
		Loading:       state.Loading(),
		UserID:        a.Orchestrator.UserID(),
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

// HealthHandler answers liveness probes
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeJSON)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"agents": s.registry.Len(),
		})
	}
}
