package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CONCORD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "concord.db"
	defaultLogLevel          = "info"
	defaultTokenTTLMinutes   = 30
	defaultPersistIntervalS  = 5
	defaultPersistMaxPending = 64
	defaultIdleEvictionS     = 30
	defaultRetryBackoffMS    = 500
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	TokenTTL          time.Duration
	PersistInterval   time.Duration
	PersistMaxPending int
	IdleEviction      time.Duration
	RetryBackoff      time.Duration
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.persist_interval_s", defaultPersistIntervalS)
	configViper.SetDefault("sync.persist_max_pending", defaultPersistMaxPending)
	configViper.SetDefault("sync.idle_eviction_s", defaultIdleEvictionS)
	configViper.SetDefault("sync.retry_backoff_ms", defaultRetryBackoffMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		PersistInterval:   time.Duration(configViper.GetInt("sync.persist_interval_s")) * time.Second,
		PersistMaxPending: configViper.GetInt("sync.persist_max_pending"),
		IdleEviction:      time.Duration(configViper.GetInt("sync.idle_eviction_s")) * time.Second,
		RetryBackoff:      time.Duration(configViper.GetInt("sync.retry_backoff_ms")) * time.Millisecond,
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
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.PersistInterval <= 0 {
		return fmt.Errorf("sync.persist_interval_s must be positive")
	}
	if c.PersistMaxPending <= 0 {
		return fmt.Errorf("sync.persist_max_pending must be positive")
	}
	if c.IdleEviction <= 0 {
		return fmt.Errorf("sync.idle_eviction_s must be positive")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("sync.retry_backoff_ms must be positive")
	}
	return nil
}
