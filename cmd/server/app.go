package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-sso-sync/fanout"
	"github.com/jrsteele09/go-sso-sync/fanout/hub"
	"github.com/jrsteele09/go-sso-sync/internal/config"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/provider/authflowrepo"
	"github.com/jrsteele09/go-sso-sync/retry"
	"github.com/jrsteele09/go-sso-sync/server"
	"github.com/jrsteele09/go-sso-sync/server/agents"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	userInfoCacheTTL = time.Minute
	redisPingTimeout = 3 * time.Second
)

// application is the wired process: HTTP surface, agents, hub and their backing stores
type application struct {
	handler http.Handler
	closers []func()
}

// Close releases everything in reverse order of construction
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *application) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func build(ctx context.Context, c config.Config) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()
	m := metrics.New()

	store, backplane, flows, err := buildStores(ctx, c, app)
	if err != nil {
		return nil, err
	}

	discoverCtx, cancel := context.WithTimeout(ctx, c.GetDiscoveryTimeout())
	defer cancel()
	d, err := provider.Discover(discoverCtx, provider.Config{
		IssuerURL:   c.GetIssuerURL(),
		ClientID:    c.GetClientID(),
		Secret:      c.GetClientSecret(),
		RedirectURL: c.GetBaseURL() + server.RouteCallback,
		Scopes:      c.GetScopes(),
		Audience:    c.GetAudience(),
	})
	if err != nil {
		return nil, fmt.Errorf("[build] %w", err)
	}

	// The hub always announces. It only delivers to local members when it serves the endpoint.
	h := hub.New(backplane, hub.WithMetrics(m), hub.WithLogger(log.Logger))
	var serverOpts []server.Option
	if c.GetHubEnabled() {
		if err := h.Start(ctx); err != nil {
			return nil, fmt.Errorf("[build] %w", err)
		}
		app.onClose(h.Close)
		serverOpts = append(serverOpts, server.WithHub(newGateway(c, d, h, m), hub.NewBackchannelHandler(
			d.Provider, c.GetClientID(), h,
			hub.WithBackchannelMetrics(m),
			hub.WithBackchannelLogger(log.Logger),
		)))
	}

	orchestratorCfg := newOrchestratorConfig(c)
	factory := agents.NewFactory(agents.Deps{
		Clients:      agents.OIDCClients(d, flows),
		Store:        store,
		Orchestrator: orchestratorCfg,
		CookieMaxAge: c.GetLogoutCookieMaxAge(),
		Channel:      newChannelConfig(c),
		Announcer:    h,
		Metrics:      m,
		Logger:       log.Logger,
	})
	registry := agents.NewRegistry(c.GetMaxAgents(), c.GetAgentIdleTTL(), factory,
		agents.WithMetrics(m),
		agents.WithLogger(log.Logger),
	)
	app.onClose(registry.Close)

	serverOpts = append(serverOpts,
		server.WithMetrics(m),
		server.WithLogger(log.Logger),
		server.WithPaths(orchestratorCfg.Paths),
		server.WithFlowPurge(flows, c.GetAuthFlowTTL()),
	)
	s, err := server.New(c, registry, serverOpts...)
	if err != nil {
		return nil, fmt.Errorf("[build] %w", err)
	}
	app.onClose(s.Close)
	app.handler = s
	return app, nil
}

// buildStores uses Redis when configured so replicas share browser state, auth flows
// and logout announcements; otherwise everything stays in process.
func buildStores(ctx context.Context, c config.Config, app *application) (localstore.Store, hub.Backplane, authflowrepo.Repo, error) {
	if c.GetRedisURL() == "" {
		log.Info().Msg("Using in-memory session store")
		return localstore.NewMemoryStore(), hub.NewMemoryBackplane(), authflowrepo.NewInMemoryRepo(), nil
	}

	opts, err := redis.ParseURL(c.GetRedisURL())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("[build] invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	app.onClose(func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("[build] redis ping: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Using Redis session store")

	prefix := c.GetRedisPrefix()
	store := localstore.NewRedisStore(client, prefix)
	return store, hub.NewRedisBackplane(client, prefix), authflowrepo.NewStoreRepo(store, c.GetAuthFlowTTL()), nil
}

func newOrchestratorConfig(c config.Config) orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Origin = c.GetBaseURL()
	cfg.LogoutCooldown = c.GetLogoutCooldown()
	cfg.MaxSilentWait = c.GetMaxSilentWait()
	cfg.SilentTimeout = c.GetSilentAuthTimeout()
	cfg.RefreshTimeout = c.GetTokenRefreshTimeout()
	cfg.ValidatorInterval = c.GetValidatorInterval()
	cfg.LogoutReturnTo = c.GetBaseURL() + server.RouteAnonymous
	return cfg
}

// newChannelConfig returns nil when no hub URL is configured, which disables the push channel
func newChannelConfig(c config.Config) *fanout.Config {
	if c.GetHubURL() == "" {
		return nil
	}
	return &fanout.Config{
		URL:           c.GetHubURL(),
		Origin:        c.GetBaseURL(),
		JoinPolicy:    retry.JoinPolicy(c.GetJoinMaxAttempts(), c.GetJoinInitialBackoff()),
		ConnectPolicy: retry.ConnectPolicy(time.Second, c.GetReconnectMaxBackoff(), c.GetReconnectMaxElapsed()),
	}
}

func newGateway(c config.Config, d *provider.Discovery, h *hub.Hub, m *metrics.Metrics) *hub.Gateway {
	cfg := hub.DefaultGatewayConfig()
	cfg.AllowedOrigins = append(c.GetAllowedOrigins().List(), c.GetBaseURL())
	cfg.HeartbeatInterval = c.GetHeartbeatInterval()
	if c.GetRequireHubToken() {
		cfg.Verifier = hub.NewUserInfoVerifier(d.Provider, userInfoCacheTTL)
		cfg.RequireToken = true
	}
	return hub.NewGateway(h, cfg, hub.WithGatewayMetrics(m), hub.WithGatewayLogger(log.Logger))
}
