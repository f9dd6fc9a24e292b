// Package provider is the identity-provider client capability set the session core
// depends on, and an OpenID Connect implementation of it.
package provider

import (
	"context"
	"net/url"
	"time"
)

type User struct {
	Sub   string
	Name  string
	Email string
}

// State is the provider client's view of the current session
type State struct {
	IsAuthenticated bool
	IsLoading       bool
	User            *User
}

// UserID returns the subject, or "" when unauthenticated
func (s State) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.Sub
}

type LoginOptions struct {
	// Silent requests prompt=none so no UI is shown by the provider.
	Silent   bool
	ReturnTo string
}

type TokenOptions struct {
	BypassCache bool
	Timeout     time.Duration
}

type LogoutOptions struct {
	ReturnTo  string
	LocalOnly bool
	Federated bool
}

// Client is implemented per browser context. Operations that would move the browser
// return the URL to redirect to.
type Client interface {
	State(ctx context.Context) State
	LoginWithRedirect(ctx context.Context, opts LoginOptions) (string, error)
	// HandleRedirectCallback completes the flow and returns the path to resume at.
	// The path is returned alongside provider errors too.
	HandleRedirectCallback(ctx context.Context, query url.Values) (string, error)
	GetAccessTokenSilently(ctx context.Context, opts TokenOptions) (string, error)
	Logout(ctx context.Context, opts LogoutOptions) (string, error)
}
