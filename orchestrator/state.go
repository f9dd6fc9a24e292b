package orchestrator

import (
	"fmt"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
)

type State int

const (
	Init State = iota
	CheckingSso
	CallbackInFlight
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case CheckingSso:
		return "checking_sso"
	case CallbackInFlight:
		return "callback_in_flight"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// Loading reports whether the loading gate is shown in s
func (s State) Loading() bool {
	return s == Init || s == CheckingSso
}

type Event int

const (
	// EventLoad is a page load outside the callback path
	EventLoad Event = iota
	// EventCallbackPath is a page load on the callback path
	EventCallbackPath
	EventSessionFound
	// EventSilentRedirect means the browser was sent to the provider with prompt=none
	EventSilentRedirect
	EventNoSession
	EventMaxWait
	EventCallbackSucceeded
	EventCallbackFailed
	EventLogout
)

func (e Event) String() string {
	switch e {
	case EventLoad:
		return "load"
	case EventCallbackPath:
		return "callback_path"
	case EventSessionFound:
		return "session_found"
	case EventSilentRedirect:
		return "silent_redirect"
	case EventNoSession:
		return "no_session"
	case EventMaxWait:
		return "max_wait"
	case EventCallbackSucceeded:
		return "callback_succeeded"
	case EventCallbackFailed:
		return "callback_failed"
	case EventLogout:
		return "logout"
	}
	return "unknown"
}

type edge struct {
	from State
	on   Event
}

var transitions = map[edge]State{
	{Init, EventLoad}:            CheckingSso,
	{Unauthenticated, EventLoad}: CheckingSso,

	{Init, EventCallbackPath}:            CallbackInFlight,
	{CheckingSso, EventCallbackPath}:     CallbackInFlight,
	{Unauthenticated, EventCallbackPath}: CallbackInFlight,

	{CheckingSso, EventSessionFound}:   Authenticated,
	{CheckingSso, EventSilentRedirect}: CheckingSso,
	{CheckingSso, EventNoSession}:      Unauthenticated,
	{CheckingSso, EventMaxWait}:        Unauthenticated,

	{CallbackInFlight, EventCallbackSucceeded}: Authenticated,
	{CallbackInFlight, EventCallbackFailed}:    Unauthenticated,

	{Init, EventLogout}:             Unauthenticated,
	{CheckingSso, EventLogout}:      Unauthenticated,
	{CallbackInFlight, EventLogout}: Unauthenticated,
	{Authenticated, EventLogout}:    Unauthenticated,
	{Unauthenticated, EventLogout}:  Unauthenticated,
}

// Transition is the single authority for state changes
func Transition(s State, e Event) (State, error) {
	next, ok := transitions[edge{s, e}]
	if !ok {
		return s, fmt.Errorf("[orchestrator Transition] %w: %s on %s", ssoerrors.ErrInvalidTransition, e, s)
	}
	return next, nil
}
