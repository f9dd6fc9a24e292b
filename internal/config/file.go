package config

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const configFileEnvVar = "SSO_CONFIG_FILE"

var (
	fileOnce   sync.Once
	fileLock   sync.RWMutex
	fileValues = map[string]string{}
)

func loadFileValues() {
	fileOnce.Do(func() {
		path := os.Getenv(configFileEnvVar)
		if path == "" {
			return
		}
		values, err := LoadFile(path)
		if err != nil {
			log.Err(err).Str("path", path).Msg("Failed to load config file, using environment only")
			return
		}
		SetFileValues(values)
	})
}

// LoadFile reads a flat YAML mapping whose keys are the environment variable names,
// for example:
//
//	OIDC_ISSUER_URL: https://login.example.com/
//	LOGOUT_COOLDOWN: 2m
func LoadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// SetFileValues replaces the file-sourced values. Environment variables still win.
func SetFileValues(values map[string]string) {
	fileLock.Lock()
	defer fileLock.Unlock()
	fileValues = make(map[string]string, len(values))
	for k, v := range values {
		fileValues[k] = v
	}
}

func fileValue(key string) (string, bool) {
	fileLock.RLock()
	defer fileLock.RUnlock()
	v, ok := fileValues[key]
	return v, ok && v != ""
}
