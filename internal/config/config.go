// ABOUTME: Configuration loading for fleetctl-gateway.
// ABOUTME: Reads required settings from the environment with an optional YAML overlay for non-secret defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration, assembled once at startup.
type Config struct {
	Host string
	Port int

	DashboardAPIKey    string
	AllowedOrigins     []string
	RateLimitWindow    time.Duration
	RateLimitMax       int
	DataDir            string
	LinearWebhookSecret string

	LogFormat string // "json" or "text"

	SleepSchedule SleepScheduleConfig `yaml:"sleep_schedule"`
}

// SleepScheduleConfig seeds the persisted sleep-window row on first boot.
// After the first run the Store is authoritative; this is only a default.
type SleepScheduleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StartHour int    `yaml:"start_hour"`
	EndHour   int    `yaml:"end_hour"`
	Timezone  string `yaml:"timezone"`
}

// overlay is the shape of the optional YAML file pointed to by CONFIG_FILE.
// Only non-secret, non-required values may live here.
type overlay struct {
	SleepSchedule SleepScheduleConfig `yaml:"sleep_schedule"`
}

// Load assembles the Config from the environment, applying an optional
// YAML overlay (CONFIG_FILE) for defaults that aren't secrets.
func Load() (*Config, error) {
	cfg := &Config{
		Host:            envString("HOST", "127.0.0.1"),
		Port:            envInt("PORT", 3000),
		DashboardAPIKey: os.Getenv("DASHBOARD_API_KEY"),
		AllowedOrigins:  envList("ALLOWED_ORIGINS"),
		RateLimitWindow: time.Duration(envInt("RATE_LIMIT_WINDOW_MS", 60_000)) * time.Millisecond,
		RateLimitMax:    envInt("RATE_LIMIT_MAX_REQUESTS", 60),
		DataDir:         envString("DATA_DIR", defaultDataDir()),
		LinearWebhookSecret: os.Getenv("LINEAR_WEBHOOK_SECRET"),
		LogFormat:       envString("LOG_FORMAT", "json"),
		SleepSchedule: SleepScheduleConfig{
			Enabled:   false,
			StartHour: 22,
			EndHour:   6,
			Timezone:  "UTC",
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			return nil, fmt.Errorf("applying config overlay: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	cfg.SleepSchedule = ov.SleepSchedule
	return nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.DashboardAPIKey == "" {
		return fmt.Errorf("DASHBOARD_API_KEY is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d is out of range", c.Port)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS must be positive")
	}
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.opencode-dashboard"
	}
	return home + "/.opencode-dashboard"
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
