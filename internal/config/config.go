// Package config reads the bot's settings from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opsdesk/approval-bot/internal/status"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "APPROVALBOT"

type Config struct {
	OperatorID      string        `mapstructure:"operator_id"`
	ControllerURL   string        `mapstructure:"controller_url"`
	ControllerToken string        `mapstructure:"controller_token"`
	JournalPath     string        `mapstructure:"journal_path"`
	JournalSecret   string        `mapstructure:"journal_secret"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	// StatusProviders is "name=url,name=url" in priority order; name
	// selects the response normalizer.
	StatusProviders string `mapstructure:"status_providers"`
}

var keys = []string{
	"operator_id", "controller_url", "controller_token", "journal_path",
	"journal_secret", "confirm_timeout", "call_timeout", "metrics_addr",
	"status_providers",
}

// Load merges defaults, file (if non-empty) and environment, in that
// order of increasing precedence. A missing .env file is not an error.
func Load(file string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("journal_path", "journal.bin")
	v.SetDefault("confirm_timeout", "60s")
	v.SetDefault("call_timeout", "10s")
	v.SetDefault("metrics_addr", ":9090")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	switch {
	case c.ControllerURL == "":
		return fmt.Errorf("%s_CONTROLLER_URL is required", EnvPrefix)
	case c.JournalSecret == "":
		return fmt.Errorf("%s_JOURNAL_SECRET is required", EnvPrefix)
	}
	_, err := c.Providers()
	return err
}

// Providers parses StatusProviders.
func (c Config) Providers() ([]status.Provider, error) {
	var out []status.Provider
	for _, item := range strings.Split(c.StatusProviders, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, url, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("status provider %q: want name=url", item)
		}
		norm, ok := status.Normalizers[name]
		if !ok {
			return nil, fmt.Errorf("status provider %q: unknown shape %q", item, name)
		}
		out = append(out, status.Provider{Name: name, URL: url, Normalize: norm})
	}
	return out, nil
}
