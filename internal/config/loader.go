package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads and validates configuration from:
// 1. Default values
// 2. config.yaml file
// 3. DAILYTASK_* environment variables
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dailytask")

	v.SetEnvPrefix("DAILYTASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow missing config file, environment variables may carry everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return cfg, nil
}

// setDefaults sets default values for optional configuration parameters.
// Every key gets a default, even an empty one, so viper picks up values
// that are supplied through environment variables alone.
func setDefaults(v *viper.Viper) {
	v.SetDefault("yunyu.base_url", "")
	v.SetDefault("yunyu.account", "")
	v.SetDefault("yunyu.password", "")
	v.SetDefault("yunyu.cron", []string{})

	v.SetDefault("redsea.base_url", "")
	v.SetDefault("redsea.user_agent", "")
	v.SetDefault("redsea.app_secret", "")
	v.SetDefault("redsea.login_id", "")
	v.SetDefault("redsea.agent_id", "")
	v.SetDefault("redsea.longitude", []string{})
	v.SetDefault("redsea.latitude", []string{})
	v.SetDefault("redsea.address", "")
	v.SetDefault("redsea.cron", []string{})

	v.SetDefault("ntfy.base_url", "")
	v.SetDefault("ntfy.username", "")
	v.SetDefault("ntfy.password", "")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("workday.base_url", "")

	// Server defaults match the container contract: 0.0.0.0:7777.
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.token", "")

	v.SetDefault("database.path", "dailytask.db")
	v.SetDefault("cache_dir", "cache")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", time.Second)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
