// Package providerfake is a scriptable provider.Client for tests
package providerfake

import (
	"context"
	"net/url"
	"sync"

	"github.com/jrsteele09/go-sso-sync/provider"
)

const (
	DefaultLoginURL  = "https://idp.example.com/authorize"
	DefaultLogoutURL = "https://idp.example.com/v2/logout"
)

// Client records calls and returns scripted results
type Client struct {
	mu sync.Mutex

	authenticated bool
	user          provider.User

	loginErr    error
	callbackErr error
	callbackSub string
	tokenErrs   []error
	tokenErr    error
	logoutErr   error
	blockTokens chan struct{}

	LoginCalls    []provider.LoginOptions
	CallbackCalls int
	TokenCalls    []provider.TokenOptions
	LogoutCalls   []provider.LogoutOptions
}

var _ provider.Client = (*Client)(nil)

// New creates an unauthenticated fake
func New() *Client {
	return &Client{}
}

// SignIn marks the fake as holding a session for sub
func (c *Client) SignIn(sub string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.user = provider.User{Sub: sub, Name: "User " + sub, Email: sub + "@example.com"}
}

// FailLogin makes LoginWithRedirect return err
func (c *Client) FailLogin(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginErr = err
}

// CallbackSignsIn makes the next successful callback sign sub in
func (c *Client) CallbackSignsIn(sub string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbackSub = sub
	c.callbackErr = nil
}

// FailCallback makes HandleRedirectCallback return err
func (c *Client) FailCallback(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbackErr = err
}

// QueueTokenErrors scripts the results of the next token calls; nil entries succeed
func (c *Client) QueueTokenErrors(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenErrs = append(c.tokenErrs, errs...)
}

// FailTokens makes every token call without a queued result return err
func (c *Client) FailTokens(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenErr = err
}

// BlockTokens makes token calls wait until the returned func is called or ctx ends
func (c *Client) BlockTokens() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.blockTokens = ch
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// FailLogout makes Logout return err
func (c *Client) FailLogout(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutErr = err
}

func (c *Client) State(context.Context) provider.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return provider.State{}
	}
	u := c.user
	return provider.State{IsAuthenticated: true, User: &u}
}

func (c *Client) LoginWithRedirect(_ context.Context, opts provider.LoginOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LoginCalls = append(c.LoginCalls, opts)
	if c.loginErr != nil {
		return "", c.loginErr
	}
	q := url.Values{}
	q.Set("return_to", opts.ReturnTo)
	if opts.Silent {
		q.Set("prompt", "none")
	}
	return DefaultLoginURL + "?" + q.Encode(), nil
}

func (c *Client) HandleRedirectCallback(_ context.Context, query url.Values) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallbackCalls++
	returnTo := query.Get("return_to")
	if e := query.Get("error"); e != "" {
		return returnTo, &provider.Error{Code: e, Description: query.Get("error_description")}
	}
	if c.callbackErr != nil {
		return returnTo, c.callbackErr
	}
	if c.callbackSub != "" {
		c.authenticated = true
		c.user = provider.User{Sub: c.callbackSub}
	}
	return returnTo, nil
}

func (c *Client) GetAccessTokenSilently(ctx context.Context, opts provider.TokenOptions) (string, error) {
	c.mu.Lock()
	c.TokenCalls = append(c.TokenCalls, opts)
	block := c.blockTokens
	var err error
	if len(c.tokenErrs) > 0 {
		err = c.tokenErrs[0]
		c.tokenErrs = c.tokenErrs[1:]
	} else {
		err = c.tokenErr
	}
	authenticated := c.authenticated
	c.mu.Unlock()

	if block != nil {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !authenticated {
		return "", &provider.Error{Code: provider.CodeLoginRequired}
	}
	return "access-token", nil
}

func (c *Client) Logout(_ context.Context, opts provider.LogoutOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LogoutCalls = append(c.LogoutCalls, opts)
	c.authenticated = false
	c.user = provider.User{}
	if c.logoutErr != nil {
		return "", c.logoutErr
	}
	if opts.LocalOnly {
		return "", nil
	}
	q := url.Values{}
	q.Set("returnTo", opts.ReturnTo)
	if opts.Federated {
		q.Set("federated", "")
	}
	return DefaultLogoutURL + "?" + q.Encode(), nil
}

// Calls returns copies of the recorded calls
func (c *Client) Calls() (login []provider.LoginOptions, tokens []provider.TokenOptions, logout []provider.LogoutOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	login = append(login, c.LoginCalls...)
	tokens = append(tokens, c.TokenCalls...)
	logout = append(logout, c.LogoutCalls...)
	return login, tokens, logout
}
