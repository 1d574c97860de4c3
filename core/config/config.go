// Package config provides environment-based configuration for the userkey service.
//
// Configuration is loaded from environment variables using Viper, with sensible
// defaults for development.
//
// # Environment Variables
//
//   - DB_TYPE: Database type (sqlite, postgres, mysql). Default: sqlite
//   - DSN: Database connection string. Default: userkey.db
//   - SKIP_AUTO_MIGRATE: Skip automatic database migrations. Default: false
//   - LOG_LEVEL: Logging level (debug, info, warn, error). Default: info
//   - PORT: HTTP server port. Default: 8080
//   - BASE_URL: Public root URL login links are built on. Default: http://localhost:8080
//   - TRUST_PROXY: Take the client address from X-Forwarded-For. Default: false
//   - KEY_BACKEND: Where userkeys live (sql, redis, mongo). Default: sql
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB: Redis connection, empty disables Redis
//   - MONGO_URI, MONGO_DATABASE: MongoDB connection for KEY_BACKEND=mongo
//   - CALLER_SECRET: HS256 secret trusted callers sign issuance requests with
//   - ADMIN_SECRET: HS256 secret for the settings endpoints
//   - SESSION_LIFETIME: Idle session lifetime. Default: 2h
//   - RATE_LIMIT, RATE_WINDOW: Redemption attempts allowed per address. Default: 20 per 1m
//   - PURGE_INTERVAL: How often serve deletes expired keys and sessions, 0 disables. Default: 1h
//   - EXPIRED_KEY_GRACE: How long expired keys are kept for error reporting. Default: 24h
//   - AUDIT_RETENTION: How long audit events are kept, 0 keeps them. Default: 8760h
//   - TELEMETRY_ENABLED: Serve Prometheus metrics on /metrics and trace requests. Default: true
//   - OTLP_ENDPOINT: OTLP/gRPC collector for traces, empty disables export
//   - TRACE_SAMPLING_RATE: Fraction of requests traced. Default: 1.0
//   - ENVIRONMENT: Deployment environment reported with telemetry. Default: development
//
// # Plugin Defaults
//
// The USERKEY_* variables seed the plugin settings until an administrator
// saves them:
//
//	USERKEY_MAPPING_FIELD=email
//	USERKEY_KEY_LIFETIME=60
//	USERKEY_IP_RESTRICTION=false
//	USERKEY_SSO_URL=https://idp.example.com/start
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DBType          string        `mapstructure:"DB_TYPE"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"DSN"`
	SkipAutoMigrate bool          `mapstructure:"SKIP_AUTO_MIGRATE"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	Port            int           `mapstructure:"PORT"`
	BaseURL         string        `mapstructure:"BASE_URL"`
	TrustProxy      bool          `mapstructure:"TRUST_PROXY"`
	KeyBackend      string        `mapstructure:"KEY_BACKEND"` // sql, redis, mongo
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	RedisPassword   string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int           `mapstructure:"REDIS_DB"`
	MongoURI        string        `mapstructure:"MONGO_URI"`
	MongoDatabase   string        `mapstructure:"MONGO_DATABASE"`
	CallerSecret    string        `mapstructure:"CALLER_SECRET"`
	AdminSecret     string        `mapstructure:"ADMIN_SECRET"`
	SessionLifetime time.Duration `mapstructure:"SESSION_LIFETIME"`
	RateLimit       int           `mapstructure:"RATE_LIMIT"`
	RateWindow      time.Duration `mapstructure:"RATE_WINDOW"`

	PurgeInterval   time.Duration `mapstructure:"PURGE_INTERVAL"`
	ExpiredKeyGrace time.Duration `mapstructure:"EXPIRED_KEY_GRACE"`
	AuditRetention  time.Duration `mapstructure:"AUDIT_RETENTION"`

	TelemetryEnabled  bool    `mapstructure:"TELEMETRY_ENABLED"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSamplingRate float64 `mapstructure:"TRACE_SAMPLING_RATE"`
	Environment       string  `mapstructure:"ENVIRONMENT"`

	Plugin PluginDefaults
}

// PluginDefaults seed the admin-managed plugin settings.
type PluginDefaults struct {
	MappingField  string `mapstructure:"USERKEY_MAPPING_FIELD"`
	KeyLifetime   int    `mapstructure:"USERKEY_KEY_LIFETIME"`
	IPRestriction bool   `mapstructure:"USERKEY_IP_RESTRICTION"`
	IPWhitelist   string `mapstructure:"USERKEY_IP_WHITELIST"`
	RedirectURL   string `mapstructure:"USERKEY_REDIRECT_URL"`
	SSOURL        string `mapstructure:"USERKEY_SSO_URL"`
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", 8080)
	v.SetDefault("DB_TYPE", "sqlite")
	v.SetDefault("DSN", "userkey.db")
	v.SetDefault("SKIP_AUTO_MIGRATE", false)
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("KEY_BACKEND", "sql")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MONGO_URI", "")
	v.SetDefault("MONGO_DATABASE", "userkey")
	v.SetDefault("CALLER_SECRET", "")
	v.SetDefault("ADMIN_SECRET", "")
	v.SetDefault("SESSION_LIFETIME", 2*time.Hour)
	v.SetDefault("RATE_LIMIT", 20)
	v.SetDefault("RATE_WINDOW", time.Minute)
	v.SetDefault("PURGE_INTERVAL", time.Hour)
	v.SetDefault("EXPIRED_KEY_GRACE", 24*time.Hour)
	v.SetDefault("AUDIT_RETENTION", 365*24*time.Hour)
	v.SetDefault("TELEMETRY_ENABLED", true)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("TRACE_SAMPLING_RATE", 1.0)
	v.SetDefault("ENVIRONMENT", "development")

	v.SetDefault("USERKEY_MAPPING_FIELD", "email")
	v.SetDefault("USERKEY_KEY_LIFETIME", 60)
	v.SetDefault("USERKEY_IP_RESTRICTION", false)
	v.SetDefault("USERKEY_IP_WHITELIST", "")
	v.SetDefault("USERKEY_REDIRECT_URL", "")
	v.SetDefault("USERKEY_SSO_URL", "")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(&cfg.Plugin); err != nil {
		return nil, err
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &cfg, nil
}
