package orchestrator_test

import (
	"testing"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from orchestrator.State
		on   orchestrator.Event
		want orchestrator.State
	}{
		{orchestrator.Init, orchestrator.EventLoad, orchestrator.CheckingSso},
		{orchestrator.Init, orchestrator.EventCallbackPath, orchestrator.CallbackInFlight},
		{orchestrator.CheckingSso, orchestrator.EventSessionFound, orchestrator.Authenticated},
		{orchestrator.CheckingSso, orchestrator.EventSilentRedirect, orchestrator.CheckingSso},
		{orchestrator.CheckingSso, orchestrator.EventNoSession, orchestrator.Unauthenticated},
		{orchestrator.CheckingSso, orchestrator.EventMaxWait, orchestrator.Unauthenticated},
		{orchestrator.CheckingSso, orchestrator.EventCallbackPath, orchestrator.CallbackInFlight},
		{orchestrator.CallbackInFlight, orchestrator.EventCallbackSucceeded, orchestrator.Authenticated},
		{orchestrator.CallbackInFlight, orchestrator.EventCallbackFailed, orchestrator.Unauthenticated},
		{orchestrator.Authenticated, orchestrator.EventLogout, orchestrator.Unauthenticated},
		{orchestrator.Unauthenticated, orchestrator.EventLogout, orchestrator.Unauthenticated},
		{orchestrator.Unauthenticated, orchestrator.EventLoad, orchestrator.CheckingSso},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.on.String(), func(t *testing.T) {
			got, err := orchestrator.Transition(tt.from, tt.on)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTransition_Rejected(t *testing.T) {
	invalid := []struct {
		from orchestrator.State
		on   orchestrator.Event
	}{
		{orchestrator.Authenticated, orchestrator.EventLoad},
		{orchestrator.Authenticated, orchestrator.EventSessionFound},
		{orchestrator.Init, orchestrator.EventSessionFound},
		{orchestrator.Unauthenticated, orchestrator.EventCallbackSucceeded},
		{orchestrator.CallbackInFlight, orchestrator.EventLoad},
		{orchestrator.CheckingSso, orchestrator.EventLoad},
	}
	for _, tt := range invalid {
		got, err := orchestrator.Transition(tt.from, tt.on)
		require.ErrorIs(t, err, ssoerrors.ErrInvalidTransition)
		require.Equal(t, tt.from, got)
	}
}

func TestState_Loading(t *testing.T) {
	require.True(t, orchestrator.Init.Loading())
	require.True(t, orchestrator.CheckingSso.Loading())
	require.False(t, orchestrator.CallbackInFlight.Loading())
	require.False(t, orchestrator.Authenticated.Loading())
	require.False(t, orchestrator.Unauthenticated.Loading())
}
