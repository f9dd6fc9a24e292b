package config

import "time"

type SessionConfig interface {
	GetLogoutCooldown() time.Duration
	GetMaxSilentWait() time.Duration
	GetSilentAuthTimeout() time.Duration
	GetTokenRefreshTimeout() time.Duration
	GetValidatorInterval() time.Duration
	GetLogoutCookieMaxAge() time.Duration
	GetAgentIdleTTL() time.Duration
	GetMaxAgents() int
}

type Session struct{}

var _ SessionConfig = Session{}

// GetLogoutCooldown is how long after a logout silent authentication stays suppressed
func (Session) GetLogoutCooldown() time.Duration {
	return GetEnvDuration("LOGOUT_COOLDOWN", 2*time.Minute)
}

func (Session) GetMaxSilentWait() time.Duration {
	return GetEnvDuration("MAX_SILENT_WAIT", 10*time.Second)
}

func (Session) GetSilentAuthTimeout() time.Duration {
	return GetEnvDuration("SILENT_AUTH_TIMEOUT", 3*time.Second)
}

func (Session) GetTokenRefreshTimeout() time.Duration {
	return GetEnvDuration("TOKEN_REFRESH_TIMEOUT", 5*time.Second)
}

// GetValidatorInterval is zero unless periodic validation is explicitly wanted.
// Focus and visibility triggers always run.
func (Session) GetValidatorInterval() time.Duration {
	return GetEnvDuration("VALIDATOR_INTERVAL", 0)
}

func (Session) GetLogoutCookieMaxAge() time.Duration {
	return GetEnvDuration("LOGOUT_COOKIE_MAX_AGE", 10*time.Minute)
}

func (Session) GetAgentIdleTTL() time.Duration {
	return GetEnvDuration("AGENT_IDLE_TTL", 30*time.Minute)
}

func (Session) GetMaxAgents() int {
	return GetEnvInt("MAX_AGENTS", 10000)
}
