// Package config loads the relay's runtime settings from defaults, an
// optional YAML file, a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ServerConfig holds the listener and per-session transport settings.
type ServerConfig struct {
	// Port is the listen address, ":8080" style. A bare port number is accepted.
	Port string `mapstructure:"port"`
	// AllowedOrigins lists the browser origins permitted to open sessions.
	// A "*" entry allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxMessageSize is the largest inbound frame in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// SendBuffer is the capacity of each session's outbound queue.
	SendBuffer int `mapstructure:"send_buffer"`
	// ShutdownTimeout bounds how long graceful shutdown waits for sessions.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address in "host:port" form.
func (s ServerConfig) Addr() string {
	if strings.Contains(s.Port, ":") {
		return s.Port
	}
	return ":" + s.Port
}

// RateLimitConfig defines the parameters for per-session inbound rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// AuthConfig holds the credential verification key.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration. It is loaded once at
// startup and passed by value afterwards.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// envBindings maps configuration keys to the environment variables that
// override them.
var envBindings = map[string]string{
	"server.port":                "SERVER_PORT",
	"server.allowed_origins":     "ALLOWED_ORIGINS",
	"server.max_message_size":    "MAX_MESSAGE_SIZE",
	"server.send_buffer":         "SEND_BUFFER_SIZE",
	"server.shutdown_timeout":    "SHUTDOWN_TIMEOUT",
	"rate_limit.burst":           "RATE_LIMIT_BURST",
	"rate_limit.refill_interval": "RATE_LIMIT_REFILL_INTERVAL",
	"auth.jwt_secret":            "JWT_SECRET",
	"logging.level":              "LOG_LEVEL",
	"logging.format":             "LOG_FORMAT",
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRateLimit(c.RateLimit); err != nil {
		errs = append(errs, err.Error())
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, "auth.jwt_secret must not be empty")
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
	var errs []string
	if strings.TrimSpace(s.Port) == "" {
		errs = append(errs, "server.port must not be empty")
	}
	if s.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Sprintf("server.max_message_size must be > 0, got %d", s.MaxMessageSize))
	}
	if s.SendBuffer <= 0 {
		errs = append(errs, fmt.Sprintf("server.send_buffer must be > 0, got %d", s.SendBuffer))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRateLimit(r RateLimitConfig) error {
	var errs []string
	if r.Burst <= 0 {
		errs = append(errs, fmt.Sprintf("rate_limit.burst must be > 0, got %d", r.Burst))
	}
	if r.RefillInterval <= 0 {
		errs = append(errs, "rate_limit.refill_interval must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
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

// Load builds the configuration from defaults, the optional YAML file at
// path and environment overrides, then validates it. An empty path skips the
// file.
func Load(path string) (Config, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and environment bindings
// installed.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key, env)
	}
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv copies KEY=VALUE pairs from the file at path into the process
// environment. Variables that are already set win. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading env file %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return fmt.Errorf("setting %s: %w", name, err)
		}
	}
	return nil
}

// secondsToDurationHook accepts bare integers as a number of seconds, the
// format RATE_LIMIT_REFILL_INTERVAL has always used.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationType {
			return data, nil
		}
		if seconds, err := strconv.Atoi(strings.TrimSpace(data.(string))); err == nil {
			return time.Duration(seconds) * time.Second, nil
		}
		return data, nil
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8080"})
	v.SetDefault("server.max_message_size", 4096)
	v.SetDefault("server.send_buffer", 256)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.refill_interval", "1s")

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
