package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "STOREFRONT"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "storefront.db"
	defaultLogLevel         = "info"
	defaultBaseURL          = "http://localhost:3000"
	defaultCookieName       = "admin_session"
	defaultSessionTTL       = 24 * time.Hour
	defaultCounterStart     = 26
	defaultSquareEnv        = "sandbox"
	defaultRecencyWindowSec = 120
)

// AppConfig captures runtime configuration for the storefront API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	// BaseURL is the public origin of the marketing site, used to build
	// checkout redirect URLs.
	BaseURL string

	AdminEmail        string
	AdminPassword     string
	SessionSecret     string
	SessionCookieName string
	SessionTTL        time.Duration

	SquareAccessToken   string
	SquareLocationID    string
	SquareEnvironment   string
	SquareWebhookSecret string

	OrderCounterStart int64
	RecencyWindow     time.Duration

	ResendAPIKey string
	EmailFrom    string
	EmailName    string
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
	configViper.SetDefault("http.base_url", defaultBaseURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_minutes", int(defaultSessionTTL.Minutes()))
	configViper.SetDefault("square.environment", defaultSquareEnv)
	configViper.SetDefault("orders.counter_start", defaultCounterStart)
	configViper.SetDefault("orders.recency_window_seconds", defaultRecencyWindowSec)
	configViper.SetDefault("email.from_name", "4SIGHT")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		BaseURL:             strings.TrimRight(configViper.GetString("http.base_url"), "/"),
		AdminEmail:          configViper.GetString("admin.email"),
		AdminPassword:       configViper.GetString("admin.password"),
		SessionSecret:       configViper.GetString("session.signing_secret"),
		SessionCookieName:   configViper.GetString("session.cookie_name"),
		SessionTTL:          time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		SquareAccessToken:   configViper.GetString("square.access_token"),
		SquareLocationID:    configViper.GetString("square.location_id"),
		SquareEnvironment:   configViper.GetString("square.environment"),
		SquareWebhookSecret: configViper.GetString("square.webhook_secret"),
		OrderCounterStart:   configViper.GetInt64("orders.counter_start"),
		RecencyWindow:       time.Duration(configViper.GetInt("orders.recency_window_seconds")) * time.Second,
		ResendAPIKey:        configViper.GetString("email.resend_api_key"),
		EmailFrom:           configViper.GetString("email.from_address"),
		EmailName:           configViper.GetString("email.from_name"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SquareAccessToken) == "" {
		return fmt.Errorf("square.access_token is required")
	}
	if strings.TrimSpace(c.SquareLocationID) == "" {
		return fmt.Errorf("square.location_id is required")
	}
	switch strings.TrimSpace(c.SquareEnvironment) {
	case "sandbox", "production":
	default:
		return fmt.Errorf("square.environment must be sandbox or production")
	}
	if c.OrderCounterStart < 0 {
		return fmt.Errorf("orders.counter_start must not be negative")
	}
	if c.RecencyWindow <= 0 {
		return fmt.Errorf("orders.recency_window_seconds must be positive")
	}
	return nil
}
