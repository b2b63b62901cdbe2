package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/audit-relay/utils"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Upstream      UpstreamConfig
	Session       SessionConfig
	Poller        PollerConfig
	Relay         RelayConfig
	Sink          SinkConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds the operational HTTP server configuration
type ServerConfig struct {
	Enabled         bool
	Host            string
	Port            int `validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int `validate:"gte=1"`
	MaxIdleConns     int `validate:"gte=0"`
	ConnMaxLifetime  time.Duration
	AutoMigrate      bool
}

// UpstreamConfig holds the audit-log API credentials and client settings
type UpstreamConfig struct {
	BaseURL           string `validate:"required,url"`
	Username          string `validate:"required"`
	Password          string `validate:"required"`
	TOTPSecret        string
	UserAgent         string        `validate:"required"`
	GroupID           string        `validate:"required"`
	Timeout           time.Duration `validate:"gt=0"`
	RequestsPerSecond float64       `validate:"gt=0"`
	Burst             int           `validate:"gte=1"`
}

// SessionConfig controls credential cooldown, refresh and snapshotting
type SessionConfig struct {
	Cooldown           time.Duration `validate:"gte=0"`
	RefreshInterval    time.Duration `validate:"gte=0"` // 0 disables proactive refresh
	SnapshotStore      string        `validate:"oneof=postgres file none"`
	SnapshotPath       string
	SnapshotPassphrase string
}

// PollerConfig controls the reader loop
type PollerConfig struct {
	Interval time.Duration `validate:"gt=0"`
	PageSize int           `validate:"gte=1,lte=100"`
}

// RelayConfig controls the writer loop
type RelayConfig struct {
	Interval       time.Duration `validate:"gt=0"`
	EventTypes     []string      `validate:"min=1,dive,required"`
	SendTimeout    time.Duration `validate:"gt=0"`
	BackoffInitial time.Duration `validate:"gte=0"`
	BackoffMax     time.Duration `validate:"gte=0"`
}

// SinkConfig selects and configures the notification sink
type SinkConfig struct {
	Kind    string `validate:"oneof=discord kafka"`
	Discord DiscordConfig
	Kafka   KafkaConfig
}

// DiscordConfig holds the Discord bot configuration
type DiscordConfig struct {
	BotToken     string
	ChannelID    string
	BaseURL      string
	ThumbnailURL string
}

// KafkaConfig holds the Kafka producer configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string `validate:"required,oneof=debug info warn error"`
	LogFormat      string `validate:"oneof=json text"`
	MetricsEnabled bool
	OTLPEndpoint   string
	ServiceName    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Enabled:         getEnvAsBool("SERVER_ENABLED", true),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: loadDatabaseConfig(),
		Upstream: UpstreamConfig{
			BaseURL:           getEnv("UPSTREAM_BASE_URL", "https://api.vrchat.cloud/api/1"),
			Username:          getEnv("UPSTREAM_USERNAME", ""),
			Password:          getEnv("UPSTREAM_PASSWORD", ""),
			TOTPSecret:        getEnv("UPSTREAM_TOTP_SECRET", ""),
			UserAgent:         getEnv("UPSTREAM_USER_AGENT", "AuditRelay/1.0"),
			GroupID:           getEnv("UPSTREAM_GROUP_ID", ""),
			Timeout:           getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("UPSTREAM_REQUESTS_PER_SECOND", 1),
			Burst:             getEnvAsInt("UPSTREAM_BURST", 2),
		},
		Session: SessionConfig{
			Cooldown:           getEnvAsDuration("SESSION_COOLDOWN", time.Hour),
			RefreshInterval:    getEnvAsDuration("SESSION_REFRESH_INTERVAL", 3*time.Hour),
			SnapshotStore:      getEnv("SESSION_SNAPSHOT_STORE", "postgres"),
			SnapshotPath:       getEnv("SESSION_SNAPSHOT_PATH", "data/session.age"),
			SnapshotPassphrase: getEnv("SESSION_SNAPSHOT_PASSPHRASE", ""),
		},
		Poller: PollerConfig{
			Interval: getEnvAsDuration("POLL_INTERVAL", 60*time.Second),
			PageSize: getEnvAsInt("POLL_PAGE_SIZE", 50),
		},
		Relay: RelayConfig{
			Interval:       getEnvAsDuration("RELAY_INTERVAL", time.Second),
			EventTypes:     getEnvAsList("RELAY_EVENT_TYPES", []string{"group.member.leave", "group.request.create"}),
			SendTimeout:    getEnvAsDuration("RELAY_SEND_TIMEOUT", 15*time.Second),
			BackoffInitial: getEnvAsDuration("RELAY_BACKOFF_INITIAL", time.Second),
			BackoffMax:     getEnvAsDuration("RELAY_BACKOFF_MAX", 5*time.Minute),
		},
		Sink: SinkConfig{
			Kind: getEnv("SINK_KIND", "discord"),
			Discord: DiscordConfig{
				BotToken:     getEnv("DISCORD_BOT_TOKEN", ""),
				ChannelID:    getEnv("DISCORD_CHANNEL_ID", ""),
				BaseURL:      getEnv("DISCORD_API_BASE_URL", "https://discord.com/api/v10"),
				ThumbnailURL: getEnv("DISCORD_THUMBNAIL_URL", ""),
			},
			Kafka: KafkaConfig{
				Brokers: getEnvAsList("KAFKA_BROKERS", nil),
				Topic:   getEnv("KAFKA_TOPIC", "audit-relay-notifications"),
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", false),
			OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "audit-relay"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if err := utils.ValidateStruct(c); err != nil {
		return err
	}

	switch c.Sink.Kind {
	case "discord":
		if c.Sink.Discord.BotToken == "" || c.Sink.Discord.ChannelID == "" {
			return fmt.Errorf("discord sink requires DISCORD_BOT_TOKEN and DISCORD_CHANNEL_ID")
		}
	case "kafka":
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			return fmt.Errorf("kafka sink requires KAFKA_BROKERS and KAFKA_TOPIC")
		}
	}

	if c.Session.SnapshotStore == "file" && c.Session.SnapshotPassphrase == "" {
		return fmt.Errorf("file snapshot store requires SESSION_SNAPSHOT_PASSPHRASE")
	}

	if c.Observability.MetricsEnabled && strings.TrimSpace(c.Observability.OTLPEndpoint) == "" {
		return fmt.Errorf("METRICS_ENABLED requires OTEL_EXPORTER_OTLP_ENDPOINT")
	}

	if c.Relay.BackoffMax < c.Relay.BackoffInitial {
		return fmt.Errorf("relay backoff max must not be below the initial backoff")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MigrationURL returns a postgres:// URL for the migration runner, which
// does not accept key=value DSNs.
func (c *DatabaseConfig) MigrationURL() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// LoadDatabase loads only the database settings, for tools that never
// talk to the upstream or the sink
func LoadDatabase() DatabaseConfig {
	_ = godotenv.Load(".env")
	return loadDatabaseConfig()
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 5),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "dev")
	cfg.Password = getEnv("DB_PASSWORD", "audit_password")
	cfg.Database = getEnv("DB_NAME", "audit")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8081)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8081
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
