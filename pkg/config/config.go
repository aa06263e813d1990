// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keystone-pm/keystone/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	CORSAllowedOrigins []string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds redis configuration for the rate limiter and the token
// blacklist. Redis is optional; both fall back to in-memory stores.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	SessionTTL  time.Duration
	BcryptCost  int
	TokenPrefix string
}

// RateLimitConfig holds API rate limit settings
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:               getEnv("KEYSTONE_HOST", "0.0.0.0"),
			Port:               getEnv("KEYSTONE_PORT", "8080"),
			ReadTimeout:        getEnvDuration("KEYSTONE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvDuration("KEYSTONE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:        getEnvDuration("KEYSTONE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:    getEnvDuration("KEYSTONE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:         getEnv("KEYSTONE_HEALTH_PORT", "9090"),
			CORSAllowedOrigins: getEnvList("KEYSTONE_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL:          getEnv("KEYSTONE_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("KEYSTONE_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("KEYSTONE_POSTGRES_IDLE_CONNS", 5),
			ConnLifetime: getEnvDuration("KEYSTONE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("KEYSTONE_REDIS_ADDR", ""),
			Password: getEnv("KEYSTONE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("KEYSTONE_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			SessionTTL:  getEnvDuration("KEYSTONE_SESSION_TTL", 24*time.Hour),
			BcryptCost:  getEnvInt("KEYSTONE_BCRYPT_COST", 10),
			TokenPrefix: getEnv("KEYSTONE_TOKEN_PREFIX", "kst_"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("KEYSTONE_RATE_LIMIT_REQUESTS", 600),
			WindowDuration:    getEnvDuration("KEYSTONE_RATE_LIMIT_WINDOW", time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("KEYSTONE_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("KEYSTONE_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("KEYSTONE_POSTGRES_URL is required")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("bcrypt cost must be between 4 and 31, got %d", c.Auth.BcryptCost)
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("rate limit requests per window must be positive")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
