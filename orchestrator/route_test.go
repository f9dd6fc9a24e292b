package orchestrator_test

import (
	"testing"

	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/stretchr/testify/require"
)

func TestRoute(t *testing.T) {
	p := orchestrator.DefaultPaths()
	tests := []struct {
		name  string
		state orchestrator.State
		path  string
		want  orchestrator.Decision
	}{
		{"loading gate while checking", orchestrator.CheckingSso, "/dashboard", orchestrator.Decision{View: orchestrator.ViewLoading}},
		{"loading gate at init", orchestrator.Init, "/", orchestrator.Decision{View: orchestrator.ViewLoading}},
		{"callback has its own indicator", orchestrator.CheckingSso, "/callback", orchestrator.Decision{View: orchestrator.ViewCallback}},
		{"callback in flight", orchestrator.CallbackInFlight, "/dashboard", orchestrator.Decision{View: orchestrator.ViewCallback}},
		{"authenticated on protected", orchestrator.Authenticated, "/dashboard", orchestrator.Decision{View: orchestrator.ViewDashboard}},
		{"authenticated on nested protected", orchestrator.Authenticated, "/dashboard/profile", orchestrator.Decision{View: orchestrator.ViewDashboard}},
		{"authenticated off landing", orchestrator.Authenticated, "/", orchestrator.Decision{Redirect: "/dashboard"}},
		{"authenticated off callback", orchestrator.Authenticated, "/callback", orchestrator.Decision{Redirect: "/dashboard"}},
		{"unauthenticated landing", orchestrator.Unauthenticated, "/", orchestrator.Decision{View: orchestrator.ViewLanding}},
		{"unauthenticated off protected", orchestrator.Unauthenticated, "/dashboard", orchestrator.Decision{Redirect: "/"}},
		{"unknown path", orchestrator.Unauthenticated, "/nope", orchestrator.Decision{Redirect: "/"}},
		{"unknown path authenticated", orchestrator.Authenticated, "/dashboardx", orchestrator.Decision{Redirect: "/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, orchestrator.Route(tt.state, tt.path, p))
		})
	}
}

func TestRoute_ViewsMutuallyExclusive(t *testing.T) {
	p := orchestrator.DefaultPaths()
	states := []orchestrator.State{orchestrator.Init, orchestrator.CheckingSso, orchestrator.CallbackInFlight, orchestrator.Authenticated, orchestrator.Unauthenticated}
	for _, s := range states {
		landing := orchestrator.Route(s, p.Anonymous, p).View == orchestrator.ViewLanding
		dashboard := orchestrator.Route(s, p.Home, p).View == orchestrator.ViewDashboard
		require.False(t, landing && dashboard, s.String())
	}
}

func TestPaths_SafeReturn(t *testing.T) {
	p := orchestrator.DefaultPaths()
	require.Equal(t, "/dashboard/settings?tab=1", p.SafeReturn("/dashboard/settings?tab=1"))
	require.Equal(t, "/dashboard", p.SafeReturn(""))
	require.Equal(t, "/dashboard", p.SafeReturn("/"))
	require.Equal(t, "/dashboard", p.SafeReturn("//evil.example"))
	require.Equal(t, "/dashboard", p.SafeReturn("https://evil.example/dashboard"))
	require.Equal(t, "/dashboard", p.SafeReturn(`/\evil.example`))
}
