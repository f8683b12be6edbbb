// Package config loads service settings from THEMEEXPORT_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "THEMEEXPORT"

type Config struct {
	ListenAddr string
	// APIKeys maps an API key to the user it authenticates.
	APIKeys             map[string]string
	DBPath              string
	ThemesDir           string
	ExportDir           string
	DefaultTheme        string
	BatchSize           int
	StepBudget          time.Duration
	Concurrency         int
	QueueSize           int
	StuckAfter          time.Duration
	LeaseTTL            time.Duration
	MaintenanceInterval time.Duration
	RedisAddr           string
	WebhookURL          string
	SentryDSN           string
	SettingsSecret      string
	SiteURL             string
	Timezone            string
	Location            *time.Location
	RateLimitRPS        float64
	RateLimitBurst      int
	CORSOrigins         []string
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("api_keys", "")
	v.SetDefault("db_path", "themeexport.db")
	v.SetDefault("themes_dir", "themes")
	v.SetDefault("export_dir", "exports")
	v.SetDefault("default_theme", "")
	v.SetDefault("batch_size", 50)
	v.SetDefault("step_budget", "0s")
	v.SetDefault("concurrency", 1)
	v.SetDefault("queue_size", 100)
	v.SetDefault("stuck_after", "15m")
	v.SetDefault("lease_ttl", "2m")
	v.SetDefault("maintenance_interval", "1m")
	v.SetDefault("redis_addr", "")
	v.SetDefault("webhook_url", "")
	v.SetDefault("sentry_dsn", "")
	v.SetDefault("settings_secret", "")
	v.SetDefault("site_url", "")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("rate_limit_rps", 0)
	v.SetDefault("rate_limit_burst", 5)
	v.SetDefault("cors_origins", "")
}

// Load reads configuration. path names an optional config file; when empty
// THEMEEXPORT_CONFIG is consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		ListenAddr:          v.GetString("listen_addr"),
		DBPath:              v.GetString("db_path"),
		ThemesDir:           v.GetString("themes_dir"),
		ExportDir:           v.GetString("export_dir"),
		DefaultTheme:        v.GetString("default_theme"),
		BatchSize:           v.GetInt("batch_size"),
		StepBudget:          v.GetDuration("step_budget"),
		Concurrency:         v.GetInt("concurrency"),
		QueueSize:           v.GetInt("queue_size"),
		StuckAfter:          v.GetDuration("stuck_after"),
		LeaseTTL:            v.GetDuration("lease_ttl"),
		MaintenanceInterval: v.GetDuration("maintenance_interval"),
		RedisAddr:           v.GetString("redis_addr"),
		WebhookURL:          v.GetString("webhook_url"),
		SentryDSN:           v.GetString("sentry_dsn"),
		SettingsSecret:      v.GetString("settings_secret"),
		SiteURL:             v.GetString("site_url"),
		Timezone:            v.GetString("timezone"),
		RateLimitRPS:        v.GetFloat64("rate_limit_rps"),
		RateLimitBurst:      v.GetInt("rate_limit_burst"),
		CORSOrigins:         splitList(v.GetString("cors_origins")),
	}

	var err error
	cfg.APIKeys, err = parseAPIKeys(v.GetString("api_keys"))
	if err != nil {
		return nil, fmt.Errorf("%s_API_KEYS: %w", envPrefix, err)
	}

	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("%s_BATCH_SIZE must be > 0", envPrefix)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("%s_CONCURRENCY must be > 0", envPrefix)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("%s_QUEUE_SIZE must be > 0", envPrefix)
	}
	if cfg.StepBudget < 0 || cfg.StuckAfter < 0 || cfg.LeaseTTL < 0 {
		return nil, errors.New("durations must not be negative")
	}
	if cfg.MaintenanceInterval <= 0 {
		return nil, fmt.Errorf("%s_MAINTENANCE_INTERVAL must be > 0", envPrefix)
	}
	if cfg.RateLimitRPS < 0 {
		return nil, fmt.Errorf("%s_RATE_LIMIT_RPS must not be negative", envPrefix)
	}

	cfg.Location, err = time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%s_TIMEZONE: %w", envPrefix, err)
	}
	return cfg, nil
}

// RequireAPIKeys reports an error when the HTTP server has no keys to
// authenticate with.
func (c *Config) RequireAPIKeys() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("%s_API_KEYS must not be empty", envPrefix)
	}
	return nil
}

// parseAPIKeys reads a comma list of "user:key" pairs. A bare key
// authenticates as the user "api".
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, item := range splitList(raw) {
		user, key, ok := strings.Cut(item, ":")
		if !ok {
			user, key = "api", item
		}
		user, key = strings.TrimSpace(user), strings.TrimSpace(key)
		if user == "" || key == "" {
			return nil, fmt.Errorf("invalid entry %q", item)
		}
		if _, dup := keys[key]; dup {
			return nil, errors.New("duplicate key")
		}
		keys[key] = user
	}
	return keys, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
