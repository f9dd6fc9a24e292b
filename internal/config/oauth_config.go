package config

import (
	"strings"
	"time"
)

type OAuthConfig interface {
	GetIssuerURL() string
	GetClientID() string
	GetClientSecret() string
	GetScopes() []string
	GetAudience() string
	GetDiscoveryTimeout() time.Duration
	GetAuthFlowTTL() time.Duration
	GetAuthFlowPurgeSchedule() string
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetIssuerURL() string {
	return GetEnv("OIDC_ISSUER_URL", "")
}

func (OAuth) GetClientID() string {
	return GetEnv("OIDC_CLIENT_ID", "")
}

func (OAuth) GetClientSecret() string {
	return GetEnv("OIDC_CLIENT_SECRET", "")
}

func (OAuth) GetScopes() []string {
	return GetEnvList("OIDC_SCOPES", []string{"openid", "profile", "email", "offline_access"})
}

func (OAuth) GetAudience() string {
	return strings.TrimSpace(GetEnv("OIDC_AUDIENCE", ""))
}

func (OAuth) GetDiscoveryTimeout() time.Duration {
	return GetEnvDuration("OIDC_DISCOVERY_TIMEOUT", 5*time.Second)
}

// GetAuthFlowTTL is how long a started sign in may take to reach the callback
func (OAuth) GetAuthFlowTTL() time.Duration {
	return GetEnvDuration("AUTH_FLOW_TTL", 10*time.Minute)
}

// GetAuthFlowPurgeSchedule is a cron spec for dropping abandoned auth flows
func (OAuth) GetAuthFlowPurgeSchedule() string {
	return GetEnv("AUTH_FLOW_PURGE_SCHEDULE", "@every 5m")
}
