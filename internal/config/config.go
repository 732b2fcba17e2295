// Package config handles configuration loading for switchboard.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/switchboard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const (
	appName           = "switchboard"
	projectConfigName = ".switchboard.yaml"
	envPrefix         = "SWITCHBOARD"
)

// Config holds all configuration for switchboard.
type Config struct {
	Run     RunConfig     `mapstructure:"run"`
	Routing RoutingConfig `mapstructure:"routing"`
	Log     LogConfig     `mapstructure:"log"`
	State   StateConfig   `mapstructure:"state"`
	Events  EventsConfig  `mapstructure:"events"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RunConfig holds scheduling and retry settings.
type RunConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	DispatchTimeout   time.Duration `mapstructure:"dispatch_timeout"`
	CancelGrace       time.Duration `mapstructure:"cancel_grace"`
	PartialCompletion bool          `mapstructure:"partial_completion"`
	EventBuffer       int           `mapstructure:"event_buffer"`
}

// RoutingConfig holds worker selection settings.
type RoutingConfig struct {
	// Scorer is "overlap" or "fuzzy".
	Scorer         string  `mapstructure:"scorer"`
	FuzzyThreshold float64 `mapstructure:"fuzzy_threshold"`
	// FallbackTiers maps a capability tag to the tiers tried after the preference.
	FallbackTiers map[string][]int `mapstructure:"fallback_tiers"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StateConfig holds the run journal settings.
type StateConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// EventsConfig holds event sink settings.
type EventsConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the Redis Streams sink settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	// MaxLen caps the stream length. Zero means unbounded.
	MaxLen int64 `mapstructure:"max_len"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SWITCHBOARD_RUN_MAX_PARALLEL, ...)
// 2. Project config (.switchboard.yaml in current directory or parent)
// 3. User config (~/.config/switchboard/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, still honouring
// defaults and environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.State.Path = expandPath(cfg.State.Path)
	cfg.Log.File = expandPath(cfg.Log.File)
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values. They mirror policy.Default.
func setDefaults(v *viper.Viper) {
	d := policy.Default()

	v.SetDefault("run.max_parallel", d.Run.MaxParallel)
	v.SetDefault("run.max_retries", d.Run.MaxRetries)
	v.SetDefault("run.backoff_base", d.Run.BackoffBase.String())
	v.SetDefault("run.backoff_max", d.Run.BackoffMax.String())
	v.SetDefault("run.dispatch_timeout", d.Run.DispatchTimeout.String())
	v.SetDefault("run.cancel_grace", d.Run.CancelGrace.String())
	v.SetDefault("run.partial_completion", d.Run.PartialCompletion)
	v.SetDefault("run.event_buffer", d.Loop.EventBuffer)

	v.SetDefault("routing.scorer", "overlap")
	v.SetDefault("routing.fuzzy_threshold", 0.8)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("state.enabled", true)
	v.SetDefault("state.path", state.DefaultDBPath())

	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.stream", "switchboard:events")
	v.SetDefault("events.redis.max_len", 10000)

	v.SetDefault("metrics.addr", "")
}

// getUserConfigDir returns the XDG config directory for switchboard.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", appName)
	}
	return filepath.Join(home, ".config", appName)
}

// findProjectConfig searches for .switchboard.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandPath expands ${VAR} references and a leading "~/".
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return p
}

// Default returns a Config with default values.
func Default() *Config {
	d := policy.Default()
	return &Config{
		Run: RunConfig{
			MaxParallel:       d.Run.MaxParallel,
			MaxRetries:        d.Run.MaxRetries,
			BackoffBase:       d.Run.BackoffBase,
			BackoffMax:        d.Run.BackoffMax,
			DispatchTimeout:   d.Run.DispatchTimeout,
			CancelGrace:       d.Run.CancelGrace,
			PartialCompletion: d.Run.PartialCompletion,
			EventBuffer:       d.Loop.EventBuffer,
		},
		Routing: RoutingConfig{
			Scorer:         "overlap",
			FuzzyThreshold: 0.8,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		State: StateConfig{
			Enabled: true,
			Path:    state.DefaultDBPath(),
		},
		Events: EventsConfig{
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Stream: "switchboard:events",
				MaxLen: 10000,
			},
		},
	}
}

// Policy converts the run section into a validated orchestrator policy.
func (c *Config) Policy() (*policy.Config, error) {
	p := policy.Default()
	p.Run.MaxParallel = c.Run.MaxParallel
	p.Run.MaxRetries = c.Run.MaxRetries
	p.Run.BackoffBase = c.Run.BackoffBase
	p.Run.BackoffMax = c.Run.BackoffMax
	p.Run.DispatchTimeout = c.Run.DispatchTimeout
	p.Run.CancelGrace = c.Run.CancelGrace
	p.Run.PartialCompletion = c.Run.PartialCompletion
	p.Loop.EventBuffer = c.Run.EventBuffer
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("run policy: %w", err)
	}
	return p, nil
}

// FallbackTiers converts the routing fallback map into model tiers.
// Out-of-range tiers are rejected.
func (c *Config) FallbackTiers() (map[string][]models.Tier, error) {
	out := make(map[string][]models.Tier, len(c.Routing.FallbackTiers))
	for tag, raw := range c.Routing.FallbackTiers {
		tiers := make([]models.Tier, 0, len(raw))
		for _, n := range raw {
			t := models.Tier(n)
			if !t.Valid() {
				return nil, fmt.Errorf("routing.fallback_tiers.%s: invalid tier %d", tag, n)
			}
			tiers = append(tiers, t)
		}
		out[tag] = tiers
	}
	return out, nil
}

// RouterOptions returns the registry options described by the routing section.
func (c *Config) RouterOptions() ([]router.Option, error) {
	fallback, err := c.FallbackTiers()
	if err != nil {
		return nil, err
	}
	return []router.Option{
		router.WithScorer(router.ScorerByName(c.Routing.Scorer, c.Routing.FuzzyThreshold)),
		router.WithFallbackTiers(fallback),
	}, nil
}
