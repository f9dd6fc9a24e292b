// Package agents keeps one session Agent per browser. An Agent owns the browser's
// orchestrator and its cross-subdomain logout cookie.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/go-sso-sync/fanout"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/provider/authflowrepo"
	"github.com/jrsteele09/go-sso-sync/provider/loginsession"
	"github.com/jrsteele09/go-sso-sync/signal"
	"github.com/rs/zerolog"
)

type Agent struct {
	ID           string
	Orchestrator *orchestrator.Orchestrator
	Cookie       *signal.CookieMedium
}

func (a *Agent) Close() {
	a.Orchestrator.Close()
}

// Factory builds the Agent for a browser id
type Factory func(id string) (*Agent, error)

// ClientFactory builds the provider client for a browser from its key/value namespace
type ClientFactory func(kv localstore.Store) (provider.Client, error)

// OIDCClients returns a ClientFactory backed by the provider's discovery document
func OIDCClients(d *provider.Discovery, flows authflowrepo.Repo) ClientFactory {
	return func(kv localstore.Store) (provider.Client, error) {
		return provider.NewOIDCClient(d, flows, loginsession.NewStoreRepo(kv)), nil
	}
}

type Deps struct {
	Clients ClientFactory
	// Store is shared by every browser; each Agent works in its own namespace.
	Store        localstore.Store
	Orchestrator orchestrator.Config
	CookieMaxAge time.Duration
	// Channel is the logout channel template. Nil disables the channel.
	Channel   *fanout.Config
	Announcer orchestrator.Announcer
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Namespace is the key prefix of a browser's persisted keys
func Namespace(id string) string {
	return "bid:" + id
}

func NewFactory(d Deps) Factory {
	return func(id string) (*Agent, error) {
		logger := d.Logger.With().Str("browser_id", id).Logger()
		kv := localstore.Namespace(d.Store, Namespace(id))

		client, err := d.Clients(kv)
		if err != nil {
			return nil, fmt.Errorf("[agents NewFactory] provider client: %w", err)
		}
		cookie := signal.NewCookieMedium(d.CookieMaxAge)
		signals := signal.NewRedundantStore(kv, cookie)

		opts := []orchestrator.Option{
			orchestrator.WithMetrics(d.Metrics),
			orchestrator.WithLogger(logger),
		}
		if d.Channel != nil {
			cfg := *d.Channel
			cfg.TokenFunc = func(ctx context.Context) (string, error) {
				return client.GetAccessTokenSilently(ctx, provider.TokenOptions{})
			}
			opts = append(opts, orchestrator.WithChannelFactory(func(user *fanout.UserCell, h fanout.LogoutHandler) orchestrator.Channel {
				return fanout.New(cfg, user, h, fanout.WithMetrics(d.Metrics), fanout.WithLogger(logger))
			}))
		}
		if d.Announcer != nil {
			opts = append(opts, orchestrator.WithAnnouncer(d.Announcer))
		}

		return &Agent{
			ID:           id,
			Orchestrator: orchestrator.New(d.Orchestrator, client, kv, signals, opts...),
			Cookie:       cookie,
		}, nil
	}
}
