package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "FLEETTRAQ"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "fleettraq.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "fleettraq_session"
	defaultIssuer            = "fleettraq-auth"
	defaultAudience          = "fleettraq-api"
	defaultTokenTTL          = 12 * time.Hour
	defaultRecentLoginWindow = 5 * time.Minute
	defaultGoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSampleTimeout     = 10 * time.Second
	defaultSampleMaxAge      = 30 * time.Second
	defaultClientIdleTTL     = 30 * time.Minute
	defaultDeviceFile        = ".fleettraq-device"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string        `validate:"required,hostname_port"`
	DatabaseDriver    string        `validate:"required,oneof=sqlite postgres"`
	DatabaseDSN       string        `validate:"required"`
	LogLevel          string        `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat         string        `validate:"oneof=json console"`
	SigningSecret     string        `validate:"required"`
	TokenIssuer       string        `validate:"required"`
	TokenAudience     string        `validate:"required"`
	TokenTTL          time.Duration `validate:"gt=0"`
	CookieName        string        `validate:"required"`
	RecentLoginWindow time.Duration `validate:"gt=0"`
	GoogleClientID    string
	GoogleJWKSURL     string `validate:"omitempty,url"`
	RealtimeRedisURL  string `validate:"omitempty,url"`
	AccessPolicyFile  string
	SampleTimeout     time.Duration `validate:"gt=0"`
	SampleMaxAge      time.Duration
	ClientIdleTTL     time.Duration `validate:"gte=0"`
	DeviceFile        string
	CORSOrigins       []string
}

// GoogleEnabled reports whether Google sign-in is configured.
func (c AppConfig) GoogleEnabled() bool {
	return strings.TrimSpace(c.GoogleClientID) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.recent_login_window", defaultRecentLoginWindow)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("tracking.sample_timeout", defaultSampleTimeout)
	configViper.SetDefault("tracking.sample_max_age", defaultSampleMaxAge)
	configViper.SetDefault("clients.idle_ttl", defaultClientIdleTTL)
	configViper.SetDefault("device.file", defaultDeviceFile)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenIssuer:       strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenAudience:     strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		CookieName:        strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		RecentLoginWindow: configViper.GetDuration("auth.recent_login_window"),
		GoogleClientID:    strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleJWKSURL:     strings.TrimSpace(configViper.GetString("google.jwks_url")),
		RealtimeRedisURL:  strings.TrimSpace(configViper.GetString("realtime.redis_url")),
		AccessPolicyFile:  strings.TrimSpace(configViper.GetString("access.policy_file")),
		SampleTimeout:     configViper.GetDuration("tracking.sample_timeout"),
		SampleMaxAge:      configViper.GetDuration("tracking.sample_max_age"),
		ClientIdleTTL:     configViper.GetDuration("clients.idle_ttl"),
		DeviceFile:        strings.TrimSpace(configViper.GetString("device.file")),
		CORSOrigins:       configViper.GetStringSlice("http.cors_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

var configKeys = map[string]string{
	"HTTPAddress":       "http.address",
	"DatabaseDriver":    "database.driver",
	"DatabaseDSN":       "database.dsn",
	"LogLevel":          "log.level",
	"LogFormat":         "log.format",
	"SigningSecret":     "auth.signing_secret",
	"TokenIssuer":       "auth.issuer",
	"TokenAudience":     "auth.audience",
	"TokenTTL":          "auth.token_ttl",
	"CookieName":        "auth.cookie_name",
	"RecentLoginWindow": "auth.recent_login_window",
	"GoogleJWKSURL":     "google.jwks_url",
	"RealtimeRedisURL":  "realtime.redis_url",
	"SampleTimeout":     "tracking.sample_timeout",
	"ClientIdleTTL":     "clients.idle_ttl",
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		key, ok := configKeys[fieldErr.StructField()]
		if !ok {
			key = fieldErr.StructField()
		}
		messages = append(messages, fmt.Sprintf("%s is invalid (%s)", key, fieldErr.Tag()))
	}
	return errors.New(strings.Join(messages, "; "))
}
