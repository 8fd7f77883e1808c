// Package config provides Viper-based configuration loading for the RSM server.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port"`
	// TrustedProxies lists proxy addresses whose forwarded headers are
	// honoured. Empty disables proxy trust.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// OAuth2Config holds identity provider endpoints and the permission set an
// access token must carry to use the API.
type OAuth2Config struct {
	// UserinfoURL is the provider's OpenID userinfo endpoint.
	UserinfoURL string `mapstructure:"userinfo_url"`
	// TokeninfoURL is the provider's token introspection endpoint.
	TokeninfoURL string `mapstructure:"tokeninfo_url"`
	// RequiredPermissions are the scopes every access token must include.
	RequiredPermissions []string `mapstructure:"required_permissions"`
	// RequestTimeout bounds each introspection round trip.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AdminConfig holds the static administrator token list. Requests bearing one
// of these tokens bypass the identity provider entirely.
type AdminConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

// RelayConfig holds relay tuning knobs.
type RelayConfig struct {
	// CallTimeout is the default deadline for correlated calls into the relay.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// WriteTimeout is the per-frame websocket write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageSize caps inbound websocket frames in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	OAuth2   OAuth2Config   `mapstructure:"oauth2"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateOAuth2(c.OAuth2); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", s.Port)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateOAuth2(o OAuth2Config) error {
	var errs []string
	for _, endpoint := range []struct {
		name string
		raw  string
	}{
		{"oauth2.userinfo_url", o.UserinfoURL},
		{"oauth2.tokeninfo_url", o.TokeninfoURL},
	} {
		if endpoint.raw == "" {
			errs = append(errs, fmt.Sprintf("%s must not be empty", endpoint.name))
			continue
		}
		u, err := url.Parse(endpoint.raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("%s must be an absolute URL, got %q", endpoint.name, endpoint.raw))
		}
	}
	if o.RequestTimeout < 0 {
		errs = append(errs, "oauth2.request_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.CallTimeout <= 0 {
		errs = append(errs, "relay.call_timeout must be positive")
	}
	if r.WriteTimeout < 0 {
		errs = append(errs, "relay.write_timeout must not be negative")
	}
	if r.MaxMessageSize < 1024 {
		errs = append(errs, fmt.Sprintf("relay.max_message_size must be >= 1024, got %d", r.MaxMessageSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with RSM_ prefix
	v.SetEnvPrefix("RSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "rsm")
	v.SetDefault("database.password", "rsm")
	v.SetDefault("database.name", "rsm")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("oauth2.userinfo_url", "https://meiling.stella-api.dev/v1/oauth2/userinfo")
	v.SetDefault("oauth2.tokeninfo_url", "https://meiling.stella-api.dev/v1/oauth2/tokeninfo")
	v.SetDefault("oauth2.required_permissions", []string{"openid", "mcsv"})
	v.SetDefault("oauth2.request_timeout", "10s")

	v.SetDefault("relay.call_timeout", "5s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.max_message_size", 1048576)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
