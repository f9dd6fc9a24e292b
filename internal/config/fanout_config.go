package config

import "time"

type FanoutConfig interface {
	GetHubEnabled() bool
	GetHubURL() string
	GetJoinMaxAttempts() int
	GetJoinInitialBackoff() time.Duration
	GetReconnectMaxBackoff() time.Duration
	GetReconnectMaxElapsed() time.Duration
	GetHeartbeatInterval() time.Duration
	GetRequireHubToken() bool
}

type Fanout struct{}

var _ FanoutConfig = Fanout{}

// GetHubEnabled reports whether this process also serves the logout hub
func (Fanout) GetHubEnabled() bool {
	return GetEnvBool("HUB_ENABLED", true)
}

// GetHubURL is the WebSocket URL agents connect to. Empty disables the channel.
func (Fanout) GetHubURL() string {
	return GetEnv("HUB_URL", "ws://localhost:8080/hubs/logout")
}

func (Fanout) GetJoinMaxAttempts() int {
	return GetEnvInt("HUB_JOIN_MAX_ATTEMPTS", 5)
}

func (Fanout) GetJoinInitialBackoff() time.Duration {
	return GetEnvDuration("HUB_JOIN_BACKOFF", time.Second)
}

func (Fanout) GetReconnectMaxBackoff() time.Duration {
	return GetEnvDuration("HUB_RECONNECT_MAX_BACKOFF", 30*time.Second)
}

func (Fanout) GetReconnectMaxElapsed() time.Duration {
	return GetEnvDuration("HUB_RECONNECT_MAX_ELAPSED", 5*time.Minute)
}

func (Fanout) GetHeartbeatInterval() time.Duration {
	return GetEnvDuration("HUB_HEARTBEAT_INTERVAL", 25*time.Second)
}

// GetRequireHubToken makes the hub check that a connection only joins its own user's group
func (Fanout) GetRequireHubToken() bool {
	return GetEnvBool("HUB_REQUIRE_TOKEN", false)
}
