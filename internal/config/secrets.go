package config

import (
	"errors"
	"os"
	"strings"
)

// ErrUnresolvedSecret is returned when a secret still holds a ${VAR} reference.
var ErrUnresolvedSecret = errors.New("secret references an unset environment variable")

// redisPasswordEnv overrides events.redis.password when set.
const redisPasswordEnv = "REDIS_PASSWORD"

// SecretSource represents where a secret was loaded from.
type SecretSource string

const (
	SecretSourceEnv    SecretSource = "environment"
	SecretSourceConfig SecretSource = "config_file"
	SecretSourceNone   SecretSource = "none"
)

// RedisPassword returns the Redis password for the events sink.
// It checks in order: REDIS_PASSWORD, then the config file.
func RedisPassword(cfg *Config) (string, error) {
	if pw := os.Getenv(redisPasswordEnv); pw != "" {
		return pw, nil
	}
	if cfg == nil || cfg.Events.Redis.Password == "" {
		return "", nil
	}
	pw := os.ExpandEnv(cfg.Events.Redis.Password)
	if pw == "" || strings.HasPrefix(pw, "${") {
		return "", ErrUnresolvedSecret
	}
	return pw, nil
}

// RedisPasswordSource returns where the Redis password was sourced from.
func RedisPasswordSource(cfg *Config) SecretSource {
	if os.Getenv(redisPasswordEnv) != "" {
		return SecretSourceEnv
	}
	if cfg != nil && cfg.Events.Redis.Password != "" {
		return SecretSourceConfig
	}
	return SecretSourceNone
}

// MaskSecret returns a masked version of a secret for display.
func MaskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:2] + "..." + s[len(s)-2:]
}
