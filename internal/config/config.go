package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration (webhook registry; optional)
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Event bus configuration
	Bus BusConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Webhook delivery configuration
	Webhook WebhookConfig

	// Telemetry configuration
	Telemetry TelemetryConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration. An empty URL selects the
// in-memory webhook registry.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MinIdleConns    int
	ConnMaxLifetime time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// BusConfig holds event bus configuration
type BusConfig struct {
	Capacity       int
	StatusInterval time.Duration
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins    []string
	ReadBufferSize    int
	WriteBufferSize   int
	MaxConnections    int
	SendQueueDepth    int
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration // SSE keepalive comment interval
}

// WebhookConfig holds outbound delivery configuration
type WebhookConfig struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffFactor  int
	AttemptTimeout time.Duration
}

// TelemetryConfig holds OpenTelemetry metrics configuration
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MinIdleConns:    getIntOrDefault("DB_MIN_IDLE_CONNS", 2),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
		},
		Bus: BusConfig{
			Capacity:       getIntOrDefault("BUS_CAPACITY", 256),
			StatusInterval: getDurationOrDefault("BUS_STATUS_INTERVAL", 15*time.Second),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:    getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:    getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize:   getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			MaxConnections:    getIntOrDefault("WS_MAX_CONNECTIONS", 1000),
			SendQueueDepth:    getIntOrDefault("WS_SEND_QUEUE_DEPTH", 1000),
			PingInterval:      getDurationOrDefault("WS_PING_INTERVAL", 30*time.Second),
			IdleTimeout:       getDurationOrDefault("WS_IDLE_TIMEOUT", 90*time.Second),
			KeepaliveInterval: getDurationOrDefault("SSE_KEEPALIVE_INTERVAL", 30*time.Second),
		},
		Webhook: WebhookConfig{
			MaxAttempts:    getIntOrDefault("WEBHOOK_MAX_ATTEMPTS", 4),
			BackoffBase:    getDurationOrDefault("WEBHOOK_BACKOFF_BASE", 1*time.Second),
			BackoffFactor:  getIntOrDefault("WEBHOOK_BACKOFF_FACTOR", 5),
			AttemptTimeout: getDurationOrDefault("WEBHOOK_ATTEMPT_TIMEOUT", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolOrDefault("TELEMETRY_ENABLED", false),
			OTLPEndpoint: getEnvOrDefault("OTLP_ENDPOINT", "localhost:4318"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "event-gateway"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Security validations
	if c.App.Environment == "production" {
		if c.JWT.Secret != "" && len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.Bus.Capacity <= 0 {
		errs = append(errs, "BUS_CAPACITY must be positive")
	}

	if c.WebSocket.MaxConnections <= 0 {
		errs = append(errs, "WS_MAX_CONNECTIONS must be positive")
	}

	if c.WebSocket.SendQueueDepth <= 0 {
		errs = append(errs, "WS_SEND_QUEUE_DEPTH must be positive")
	}

	if c.WebSocket.PingInterval >= c.WebSocket.IdleTimeout {
		errs = append(errs, "WS_PING_INTERVAL must be less than WS_IDLE_TIMEOUT")
	}

	if c.Webhook.MaxAttempts <= 0 {
		errs = append(errs, "WEBHOOK_MAX_ATTEMPTS must be positive")
	}

	if c.Webhook.BackoffFactor < 2 {
		errs = append(errs, "WEBHOOK_BACKOFF_FACTOR must be at least 2")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, JWT: [REDACTED], Bus: %d, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		c.Bus.Capacity,
		c.App.Environment,
	)
}

// redactURL redacts sensitive parts of a database URL
func redactURL(url string) string {
	if url == "" {
		return "(in-memory)"
	}
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
