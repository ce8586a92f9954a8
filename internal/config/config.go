package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CLASSROOM"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "classroom.db"
	defaultLogLevel             = "info"
	defaultAuthIssuer           = "classroom-auth"
	defaultTokenTTL             = 12 * time.Hour
	defaultSweepInterval        = 30 * time.Second
	defaultIdleTimeout          = 5 * time.Minute
	defaultSendBuffer           = 64
	defaultPurgeInterval        = time.Hour
	defaultNotificationLifetime = time.Duration(0)
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	AuthIssuer     string
	TokenTTL       time.Duration
	Realtime       RealtimeConfig
	Notifications  NotificationsConfig
	AllowedOrigins []string
}

// RealtimeConfig holds connection liveness settings.
type RealtimeConfig struct {
	SweepInterval time.Duration
	IdleTimeout   time.Duration
	SendBuffer    int
}

// NotificationsConfig holds notification retention settings.
type NotificationsConfig struct {
	PurgeInterval time.Duration
	DefaultTTL    time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("realtime.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.allowed_origins", []string{"*"})
	configViper.SetDefault("notifications.purge_interval", defaultPurgeInterval)
	configViper.SetDefault("notifications.default_ttl", defaultNotificationLifetime)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:    configViper.GetString("auth.issuer"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		Realtime: RealtimeConfig{
			SweepInterval: configViper.GetDuration("realtime.sweep_interval"),
			IdleTimeout:   configViper.GetDuration("realtime.idle_timeout"),
			SendBuffer:    configViper.GetInt("realtime.send_buffer"),
		},
		Notifications: NotificationsConfig{
			PurgeInterval: configViper.GetDuration("notifications.purge_interval"),
			DefaultTTL:    configViper.GetDuration("notifications.default_ttl"),
		},
		AllowedOrigins: configViper.GetStringSlice("realtime.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.Realtime.SweepInterval <= 0 {
		return fmt.Errorf("realtime.sweep_interval must be positive")
	}
	if c.Realtime.IdleTimeout <= c.Realtime.SweepInterval {
		return fmt.Errorf("realtime.idle_timeout must exceed realtime.sweep_interval")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.Notifications.PurgeInterval <= 0 {
		return fmt.Errorf("notifications.purge_interval must be positive")
	}
	if c.Notifications.DefaultTTL < 0 {
		return fmt.Errorf("notifications.default_ttl must not be negative")
	}
	return nil
}
