package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort string
	JWTSecret  string
	Postgres   PostgresConfig
	Mongo      MongoConfig
	Redis      RedisConfig
	SMTP       SMTPConfig
	Inference  InferenceConfig
	Reminder   ReminderConfig
	Logging    LoggingConfig
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	Addr       string
	SessionTTL time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// InferenceConfig points at the external assistant endpoint consumed
// by the streaming chat client.
type InferenceConfig struct {
	BaseURL      string
	APIKey       string
	ShareBaseURL string
	Timeout      time.Duration
}

// ReminderConfig controls the diary reminder scanner. Schedule is a
// cron expression for the in-process trigger; leave it empty when an
// external scheduler calls /internal/reminders/run instead.
type ReminderConfig struct {
	Horizon      time.Duration
	ClaimLease   time.Duration
	Schedule     string
	TriggerToken string
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

func Load() (*Config, error) {
	port := envOrDefault("PORT", "8080")
	jwtSecret := envOrDefault("JWT_SECRET", "dev-secret")

	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	maxConns := parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8)
	minConns := parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1)

	smtpPort, _ := strconv.Atoi(envOrDefault("SMTP_PORT", "587"))

	cfg := &Config{
		ServerPort: port,
		JWTSecret:  jwtSecret,
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              envOrDefault("POSTGRES_HOST", "localhost"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          envOrDefault("POSTGRES_PASSWORD", "postgres"),
			Database:          envOrDefault("POSTGRES_DB", "lexaid"),
			MaxConns:          maxConns,
			MinConns:          minConns,
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Mongo: MongoConfig{
			URI:            envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Database:       envOrDefault("MONGO_DATABASE", "lexaid"),
			ConnectTimeout: parseDuration(envOrDefault("MONGO_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:       envOrDefault("REDIS_ADDR", "localhost:6379"),
			SessionTTL: parseDuration(envOrDefault("SESSION_TTL", "720h"), 720*time.Hour),
		},
		SMTP: SMTPConfig{
			Host:     envOrDefault("SMTP_HOST", "localhost"),
			Port:     smtpPort,
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     envOrDefault("SMTP_FROM", "no-reply@lexaid.app"),
		},
		Inference: InferenceConfig{
			BaseURL:      strings.TrimRight(envOrDefault("INFERENCE_BASE_URL", "https://ai.lexaid.app"), "/"),
			APIKey:       os.Getenv("INFERENCE_API_KEY"),
			ShareBaseURL: strings.TrimRight(envOrDefault("SHARE_BASE_URL", "https://lexaid.app"), "/"),
			Timeout:      parseDuration(envOrDefault("INFERENCE_TIMEOUT", "5m"), 5*time.Minute),
		},
		Reminder: ReminderConfig{
			Horizon:      parseDuration(envOrDefault("REMINDER_HORIZON", "20m"), 20*time.Minute),
			ClaimLease:   parseDuration(envOrDefault("REMINDER_CLAIM_LEASE", "5m"), 5*time.Minute),
			Schedule:     os.Getenv("REMINDER_SCHEDULE"),
			TriggerToken: os.Getenv("REMINDER_TRIGGER_TOKEN"),
		},
		Logging: LoggingConfig{
			Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
			Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
			EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
			ServiceName:  envOrDefault("SERVICE_NAME", "lexaid-server"),
		},
	}

	return cfg, nil
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}
