// Package config manages application configuration from environment variables,
// config files, and default values.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrConfiguration indicates a configuration loading or validation failure.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration. Values can be set via
// environment variables prefixed with DAILYTASK_ (e.g., DAILYTASK_SERVER_TOKEN)
// or through config.yaml.
type Config struct {
	YunYu    YunYuConfig    `mapstructure:"yunyu"`
	RedSea   RedSeaConfig   `mapstructure:"redsea"`
	Ntfy     NtfyConfig     `mapstructure:"ntfy"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Workday  WorkdayConfig  `mapstructure:"workday"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`

	// CacheDir holds persisted portal tokens.
	CacheDir string `mapstructure:"cache_dir" validate:"required"`
}

// YunYuConfig configures the billing portal client and its schedules.
type YunYuConfig struct {
	BaseURL  string   `mapstructure:"base_url" validate:"required,url"`
	Account  string   `mapstructure:"account"  validate:"required"`
	Password string   `mapstructure:"password" validate:"required"`
	Cron     []string `mapstructure:"cron"`
}

// RedSeaConfig configures the attendance portal client and its schedules.
type RedSeaConfig struct {
	BaseURL   string   `mapstructure:"base_url"   validate:"required,url"`
	UserAgent string   `mapstructure:"user_agent" validate:"required"`
	AppSecret string   `mapstructure:"app_secret" validate:"required"`
	LoginID   string   `mapstructure:"login_id"   validate:"required"`
	AgentID   string   `mapstructure:"agent_id"   validate:"required"`
	Longitude []string `mapstructure:"longitude"  validate:"required,min=1"`
	Latitude  []string `mapstructure:"latitude"   validate:"required,min=1"`
	Address   string   `mapstructure:"address"    validate:"required"`
	Cron      []string `mapstructure:"cron"`
}

// NtfyConfig configures the push notification endpoint.
type NtfyConfig struct {
	BaseURL  string `mapstructure:"base_url" validate:"required,url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// TelegramConfig configures the optional Telegram notification sink.
// Notifications are mirrored to ChatID when Token is set.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id" validate:"required_with=Token"`
}

// WorkdayConfig configures the workday calendar service used to gate
// scheduled check-ins.
type WorkdayConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535"`

	// Token guards every /api route. A random token is generated and
	// logged at startup when left empty.
	Token string `mapstructure:"token"`
}

// DatabaseConfig configures the SQLite task registry.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// RetryConfig configures retry behavior for outbound portal calls.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"     validate:"required,min=1,max=10"`
	InitialInterval time.Duration `mapstructure:"initial_interval" validate:"required,min=100ms"`
	MaxInterval     time.Duration `mapstructure:"max_interval"     validate:"required,min=1s"`
	Multiplier      float64       `mapstructure:"multiplier"       validate:"required,min=1"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("field %s failed on the %q rule", first.Namespace(), first.Tag())
		}
		return err
	}
	return nil
}

// GenerateToken returns a random URL-safe token of approximately n characters,
// used when server.token is not configured.
func GenerateToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:n]
}
