package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SPATIAL"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DatabaseDriverSQLite
	defaultDatabasePath     = "spatial.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultAuthIssuer       = "spatial-auth"
	defaultCookieName       = "spatial_session"
	defaultGuestTTLMinutes  = 720
	defaultPresenceChannel  = "skill-map-presence"
	defaultThrottleMillis   = 16
	defaultStaleSeconds     = 30
	defaultRaidThreshold    = 3
	defaultRaidRewardXP     = 100
	defaultChatHistoryLimit = 100
	defaultRealtimeBuffer   = 64
	defaultNATSSubject      = "spatial.changes"
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string
	LogFormat        string
	SigningSecret    string
	AuthIssuer       string
	CookieName       string
	GuestTokenTTL    time.Duration
	PresenceChannel  string
	CursorThrottle   time.Duration
	PresenceStale    time.Duration
	RaidThreshold    int
	RaidRewardXP     int
	ChatHistoryLimit int
	RealtimeBuffer   int
	NATSURL          string
	NATSSubject      string
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.guest_token_ttl_minutes", defaultGuestTTLMinutes)
	configViper.SetDefault("presence.channel", defaultPresenceChannel)
	configViper.SetDefault("presence.throttle_ms", defaultThrottleMillis)
	configViper.SetDefault("presence.stale_seconds", defaultStaleSeconds)
	configViper.SetDefault("raid.threshold", defaultRaidThreshold)
	configViper.SetDefault("raid.reward_xp", defaultRaidRewardXP)
	configViper.SetDefault("chat.history_limit", defaultChatHistoryLimit)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBuffer)
	configViper.SetDefault("nats.subject", defaultNATSSubject)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:       configViper.GetString("auth.issuer"),
		CookieName:       configViper.GetString("auth.cookie_name"),
		GuestTokenTTL:    time.Duration(configViper.GetInt("auth.guest_token_ttl_minutes")) * time.Minute,
		PresenceChannel:  configViper.GetString("presence.channel"),
		CursorThrottle:   time.Duration(configViper.GetInt("presence.throttle_ms")) * time.Millisecond,
		PresenceStale:    time.Duration(configViper.GetInt("presence.stale_seconds")) * time.Second,
		RaidThreshold:    configViper.GetInt("raid.threshold"),
		RaidRewardXP:     configViper.GetInt("raid.reward_xp"),
		ChatHistoryLimit: configViper.GetInt("chat.history_limit"),
		RealtimeBuffer:   configViper.GetInt("realtime.buffer_size"),
		NATSURL:          strings.TrimSpace(configViper.GetString("nats.url")),
		NATSSubject:      configViper.GetString("nats.subject"),
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
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.PresenceChannel) == "" {
		return fmt.Errorf("presence.channel is required")
	}
	if c.CursorThrottle <= 0 {
		return fmt.Errorf("presence.throttle_ms must be positive")
	}
	if c.PresenceStale <= 0 {
		return fmt.Errorf("presence.stale_seconds must be positive")
	}
	if c.RaidThreshold < 1 {
		return fmt.Errorf("raid.threshold must be at least 1")
	}
	if c.ChatHistoryLimit < 1 {
		return fmt.Errorf("chat.history_limit must be at least 1")
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}
	return nil
}
