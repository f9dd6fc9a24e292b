package config

type StoreConfig interface {
	GetRedisURL() string
	GetRedisPrefix() string
}

type Store struct{}

var _ StoreConfig = Store{}

// GetRedisURL is empty for the in-memory store (single instance deployments)
func (Store) GetRedisURL() string {
	return GetEnv("REDIS_URL", "")
}

func (Store) GetRedisPrefix() string {
	return GetEnv("REDIS_PREFIX", "sso")
}
