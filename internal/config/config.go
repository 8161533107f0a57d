package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "EVENTBOARD"
	defaultLogLevel          = "info"
	defaultGatewayURL        = "http://127.0.0.1:8080"
	defaultRequestTimeout    = 10 * time.Second
	defaultSessionFile       = ".eventboard-session.json"
	defaultProfileTimeout    = 5 * time.Second
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "eventboard.db"
	defaultTokenTTLMinutes   = 60
	defaultAllowedOriginsRaw = "*"
)

// ClientConfig captures runtime configuration for the gateway client side.
type ClientConfig struct {
	GatewayURL     string
	APIKey         string
	RequestTimeout time.Duration
	SessionFile    string
	ProfileTimeout time.Duration
	LogLevel       string
}

// EmulatorConfig captures runtime configuration for the development gateway.
type EmulatorConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabaseDSN    string
	SigningSecret  string
	APIKey         string
	TokenTTL       time.Duration
	ConfirmEmail   bool
	AllowedOrigins []string
	LogLevel       string
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

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("gateway.url", defaultGatewayURL)
	configViper.SetDefault("gateway.api_key", "")
	configViper.SetDefault("gateway.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("gateway.session_file", defaultSessionFile)
	configViper.SetDefault("session.profile_timeout", defaultProfileTimeout)
	configViper.SetDefault("emulator.http_address", defaultHTTPAddress)
	configViper.SetDefault("emulator.database.driver", defaultDatabaseDriver)
	configViper.SetDefault("emulator.database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("emulator.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("emulator.confirm_email", false)
	configViper.SetDefault("emulator.allowed_origins", defaultAllowedOriginsRaw)
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		GatewayURL:     strings.TrimSpace(configViper.GetString("gateway.url")),
		APIKey:         strings.TrimSpace(configViper.GetString("gateway.api_key")),
		RequestTimeout: configViper.GetDuration("gateway.request_timeout"),
		SessionFile:    strings.TrimSpace(configViper.GetString("gateway.session_file")),
		ProfileTimeout: configViper.GetDuration("session.profile_timeout"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

// LoadEmulator parses emulator configuration from viper.
func LoadEmulator(configViper *viper.Viper) (EmulatorConfig, error) {
	cfg := EmulatorConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("emulator.http_address")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("emulator.database.driver"))),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("emulator.database.dsn")),
		SigningSecret:  configViper.GetString("emulator.signing_secret"),
		APIKey:         strings.TrimSpace(configViper.GetString("gateway.api_key")),
		TokenTTL:       time.Duration(configViper.GetInt("emulator.token_ttl_minutes")) * time.Minute,
		ConfirmEmail:   configViper.GetBool("emulator.confirm_email"),
		AllowedOrigins: splitList(configViper.GetString("emulator.allowed_origins")),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return EmulatorConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	parsed, err := url.Parse(c.GatewayURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("gateway.url must be an absolute URL")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("gateway.request_timeout must be positive")
	}
	if c.SessionFile == "" {
		return fmt.Errorf("gateway.session_file is required")
	}
	if c.ProfileTimeout <= 0 {
		return fmt.Errorf("session.profile_timeout must be positive")
	}
	return nil
}

func (c EmulatorConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("emulator.signing_secret is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("emulator.http_address is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("emulator.database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("emulator.database.dsn is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("emulator.token_ttl_minutes must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
