package config

type Config interface {
	EnvConfig
	CorsConfig
	OAuthConfig
	SessionConfig
	FanoutConfig
	StoreConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetLogLevel() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	OAuth
	Session
	Fanout
	Store
}

// New returns the process configuration. Values come from the environment, then the
// optional YAML file named by SSO_CONFIG_FILE, then the built-in defaults.
func New() Config {
	loadFileValues()
	return mainConfig{}
}
