package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "WRITE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "write.db"
	defaultDatabaseMaxOpenConns = 4
	defaultLogLevel             = "info"
	defaultAdminTokenTTLMinutes = 60
	defaultSnapshotDebounceSecs = 30
	defaultHeartbeatSeconds     = 15
	defaultPersistTimeoutSecs   = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	DatabaseMaxOpenConns int
	LogLevel             string
	AdminSigningSecret   string
	AdminTokenTTL        time.Duration
	SnapshotDebounce     time.Duration
	StreamHeartbeat      time.Duration
	PersistTimeout       time.Duration
	AllowedOrigins       []string
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
	configViper.SetDefault("database.max_open_conns", defaultDatabaseMaxOpenConns)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("admin.token_ttl_minutes", defaultAdminTokenTTLMinutes)
	configViper.SetDefault("snapshot.debounce_seconds", defaultSnapshotDebounceSecs)
	configViper.SetDefault("stream.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("session.persist_timeout_seconds", defaultPersistTimeoutSecs)
	configViper.SetDefault("cors.allowed_origins", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseMaxOpenConns: configViper.GetInt("database.max_open_conns"),
		LogLevel:             configViper.GetString("log.level"),
		AdminSigningSecret:   configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:        time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		SnapshotDebounce:     time.Duration(configViper.GetInt("snapshot.debounce_seconds")) * time.Second,
		StreamHeartbeat:      time.Duration(configViper.GetInt("stream.heartbeat_seconds")) * time.Second,
		PersistTimeout:       time.Duration(configViper.GetInt("session.persist_timeout_seconds")) * time.Second,
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// Environment variables arrive as one comma separated string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.DatabaseMaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	if c.SnapshotDebounce <= 0 {
		return fmt.Errorf("snapshot.debounce_seconds must be positive")
	}
	if c.StreamHeartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat_seconds must be positive")
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("session.persist_timeout_seconds must be positive")
	}
	return nil
}
