// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	StateTable         string
	ParamPrefix        string
	RedisAddr          string
	RedisChannelPrefix string
	OpenAIBaseURL      string
	RunTimeout         time.Duration
	MaxMessageLength   int
	HistoryLimit       int
}

// Load reads the environment. Required variables that are unset and
// malformed or non-positive integers are errors.
func Load() (Config, error) {
	cfg := Config{
		StateTable:         strings.TrimSpace(os.Getenv("STATE_TABLE")),
		ParamPrefix:        strings.TrimSpace(os.Getenv("PARAM_PREFIX")),
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisChannelPrefix: envString("REDIS_CHANNEL_PREFIX", "threads"),
		OpenAIBaseURL:      strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
	}
	if cfg.StateTable == "" {
		return Config{}, fmt.Errorf("config: required environment variable STATE_TABLE is not set")
	}
	if cfg.ParamPrefix == "" {
		return Config{}, fmt.Errorf("config: required environment variable PARAM_PREFIX is not set")
	}

	timeout, err := envInt("RUN_TIMEOUT_SECONDS", 120)
	if err != nil {
		return Config{}, err
	}
	cfg.RunTimeout = time.Duration(timeout) * time.Second
	if cfg.MaxMessageLength, err = envInt("MAX_MESSAGE_LENGTH", 4000); err != nil {
		return Config{}, err
	}
	if cfg.HistoryLimit, err = envInt("HISTORY_LIMIT", 50); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", key, n)
	}
	return n, nil
}
