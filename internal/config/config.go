// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the settings the orchestrator needs to reach its external
// collaborators: the separation worker, its own public address for callback
// construction, and the daily source playlist.
type Config struct {
	// WorkerBaseURL is the base address of the external separation worker.
	WorkerBaseURL string `mapstructure:"worker_base_url" validate:"required,url"`
	// WorkerAPIKey is the shared secret attached to dispatch calls.
	WorkerAPIKey string `mapstructure:"worker_api_key" validate:"required"`
	// PublicBaseURL is this service's externally reachable address, used to
	// build the callback URL handed to the worker.
	PublicBaseURL string `mapstructure:"public_base_url" validate:"required,url"`
	// DailyPlaylistURL is the source playlist the daily task is created from.
	DailyPlaylistURL string `mapstructure:"daily_playlist_url" validate:"required,url"`
	// DailyAt is the UTC time of day ("HH:MM") the daily trigger fires.
	DailyAt string `mapstructure:"daily_at" validate:"required"`

	DispatchTimeout       time.Duration `mapstructure:"dispatch_timeout" validate:"gt=0"`
	MaxConcurrentDispatch int           `mapstructure:"max_concurrent_dispatch" validate:"gt=0"`
}

// Load reads configuration from STEMFLOW_* environment variables, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STEMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("daily_at", "00:00")
	v.SetDefault("dispatch_timeout", 30*time.Second)
	v.SetDefault("max_concurrent_dispatch", 8)

	// AutomaticEnv alone doesn't surface env-only keys to Unmarshal; bind each
	// key explicitly.
	for _, key := range []string{
		"worker_base_url", "worker_api_key", "public_base_url",
		"daily_playlist_url", "daily_at", "dispatch_timeout", "max_concurrent_dispatch",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := ParseDailyAt(cfg.DailyAt); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseDailyAt converts an "HH:MM" time of day into hour and minute.
func ParseDailyAt(s string) ([2]int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return [2]int{}, fmt.Errorf("invalid daily_at %q: %w", s, err)
	}
	return [2]int{t.Hour(), t.Minute()}, nil
}
