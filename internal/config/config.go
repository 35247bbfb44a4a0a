// Package config loads service configuration from environment variables.
// Every key has a default suitable for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultListenAddr     = ":8000"
	DefaultRedisAddr      = "localhost:6379"
	DefaultNATSURL        = "nats://localhost:4222"
	DefaultMigrationsPath = "migrations"
	DefaultSessionTTL     = 1800 * time.Second
	DefaultEventLogTTL    = 24 * time.Hour
	DefaultPurgeInterval  = time.Minute
	DefaultRequestTimeout = 5 * time.Second
	DefaultShutdown       = 10 * time.Second
	DefaultLoginLimit     = 10
	DefaultTokenLimit     = 30
)

type Config struct {
	Env       string
	Log       LogConfig
	HTTP      HTTPConfig
	Redis     RedisConfig
	Session   SessionConfig
	NATS      NATSConfig
	Database  DatabaseConfig
	EventLog  EventLogConfig
	RateLimit RateLimitConfig
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"; defaults to text in development
}

type HTTPConfig struct {
	ListenAddr      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// EnableKeyspaceEvents lets the auditor switch on expired-key
	// notifications itself instead of relying on redis.conf.
	EnableKeyspaceEvents bool
}

type SessionConfig struct {
	TTL time.Duration
}

type NATSConfig struct {
	URL  string
	Name string
}

type DatabaseConfig struct {
	URL            string
	MigrationsPath string
}

type EventLogConfig struct {
	TTL           time.Duration
	PurgeInterval time.Duration
	// WatchExpiry makes the auditor record Redis expirations. Every replica
	// receives each notification, so enable it on one replica only.
	WatchExpiry bool
}

type RateLimitConfig struct {
	Login int
	Token int
}

// LoadDotEnv reads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// Load builds the configuration from the environment. serviceName is the
// default NATS client name.
func Load(serviceName string) *Config {
	cfg := &Config{
		Env: getEnv("APP_ENV", "development"),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "")),
		},
		HTTP: HTTPConfig{
			ListenAddr:      getEnv("LISTEN_ADDR", DefaultListenAddr),
			RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdown),
		},
		Redis: RedisConfig{
			Addr:                 getEnv("REDIS_ADDR", DefaultRedisAddr),
			Password:             getEnv("REDIS_PASSWORD", ""),
			DB:                   getEnvInt("REDIS_DB", 0),
			EnableKeyspaceEvents: getEnvBool("REDIS_ENABLE_KEYSPACE_EVENTS", false),
		},
		Session: SessionConfig{
			TTL: getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		},
		NATS: NATSConfig{
			URL:  getEnv("NATS_URL", DefaultNATSURL),
			Name: getEnv("NATS_NAME", serviceName),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MigrationsPath: getEnv("MIGRATIONS_PATH", DefaultMigrationsPath),
		},
		EventLog: EventLogConfig{
			TTL:           getEnvDuration("EVENT_LOG_TTL", DefaultEventLogTTL),
			PurgeInterval: getEnvDuration("EVENT_LOG_PURGE_INTERVAL", DefaultPurgeInterval),
			WatchExpiry:   getEnvBool("AUDITOR_WATCH_EXPIRY", true),
		},
		RateLimit: RateLimitConfig{
			Login: getEnvInt("RATE_LIMIT_LOGIN", DefaultLoginLimit),
			Token: getEnvInt("RATE_LIMIT_TOKEN", DefaultTokenLimit),
		},
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
		if cfg.IsDevelopment() {
			cfg.Log.Format = "text"
		}
	}
	return cfg
}

// IsDevelopment reports whether the service runs in a local environment.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev" || c.Env == "local"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("30m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
