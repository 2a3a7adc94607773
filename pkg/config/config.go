// Package config loads boot-time configuration from environment variables,
// following the same os.Getenv-with-fallback style as the teacher's
// server Config, generalized to the compute core's own settings: where
// modules live, the action log's signing identity, and the optional
// Redis read-through cache.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the compute core's boot-time settings.
type Config struct {
	ModulesDir      string
	DataDir         string
	ActionLogDBPath string
	ActionLogPubKey string
	CacheRedisURL   string
	CacheMode       string
	LogLevel        string
}

// Load reads configuration from the environment, applying the same
// conservative local-first defaults the teacher's Load used for its own
// server settings.
func Load() *Config {
	dataDir := getenv("UICP_DATA_DIR", "./data")

	return &Config{
		ModulesDir:      getenv("MODULES_DIR", dataDir+"/modules"),
		DataDir:         dataDir,
		ActionLogDBPath: getenv("ACTION_LOG_DB", dataDir+"/action_log.sqlite"),
		ActionLogPubKey: os.Getenv("ACTION_LOG_PUBKEY"),
		CacheRedisURL:   os.Getenv("CACHE_REDIS_URL"),
		CacheMode:       getenv("CACHE_MODE", "readwrite"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Truthy parses common boolean-ish environment variable spellings,
// matching the teacher's `== "true"` checks but tolerant of 1/yes/on too.
func Truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ParseIntEnv reads an integer environment variable, returning fallback
// if unset or unparsable.
func ParseIntEnv(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
