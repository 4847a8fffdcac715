package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Auth     AuthConfig     `json:"auth"`
	Stream   StreamConfig   `json:"stream"`
	Market   MarketConfig   `json:"market"`
	App      AppConfig      `json:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig holds datastore configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	SQLite   SQLiteConfig   `json:"sqlite"`
}

// PostgresConfig holds the alerts/holdings store configuration
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
	URL      string `json:"url"` // Full connection URL, wins over parts
}

// RedisConfig holds the snapshot cache configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	Database int    `json:"database"`
	URL      string `json:"url"` // Full connection URL, wins over parts
}

// SQLiteConfig holds the asset catalog configuration
type SQLiteConfig struct {
	Path string `json:"path"`
}

// AuthConfig holds token validation configuration
type AuthConfig struct {
	JWTSecret string `json:"-"`
	Issuer    string `json:"issuer"`
}

// StreamConfig holds WebSocket gateway configuration
type StreamConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	AuthTimeout       time.Duration `json:"auth_timeout"`
	SendBuffer        int           `json:"send_buffer"`
}

// MarketConfig holds upstream market data configuration
type MarketConfig struct {
	BaseURL      string        `json:"base_url"`
	FetchTimeout time.Duration `json:"fetch_timeout"`
}

// AppConfig holds application-wide settings
type AppConfig struct {
	Environment string `json:"environment"`
	Debug       bool   `json:"debug"`
}

// Load loads configuration from environment variables and .env files
func Load() (*Config, error) {
	envFiles := []string{
		"configs/production.env",
		"configs/streamer.env",
		".env",
	}

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				break
			}
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnvOrDefault("PORT", "8080"),
			Host:         getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationOrDefault("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationOrDefault("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationOrDefault("IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
				Port:     getIntOrDefault("POSTGRES_PORT", 5432),
				Database: getEnvOrDefault("POSTGRES_DB", "crypto_streamer"),
				Username: getEnvOrDefault("POSTGRES_USER", "streamer"),
				Password: getEnvOrDefault("POSTGRES_PASSWORD", "streamer"),
				SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
				URL:      getEnvOrDefault("POSTGRES_URL", ""),
			},
			Redis: RedisConfig{
				Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
				Port:     getIntOrDefault("REDIS_PORT", 6379),
				Password: getEnvOrDefault("REDIS_PASSWORD", ""),
				Database: getIntOrDefault("REDIS_DB", 0),
				URL:      getEnvOrDefault("REDIS_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnvOrDefault("ASSET_DB", "configs/assets.db"),
			},
		},
		Auth: AuthConfig{
			JWTSecret: getEnvOrDefault("JWT_SECRET", ""),
			Issuer:    getEnvOrDefault("JWT_ISSUER", ""),
		},
		Stream: StreamConfig{
			HeartbeatInterval: getDurationOrDefault("HEARTBEAT_INTERVAL", 30*time.Second),
			AuthTimeout:       getDurationOrDefault("AUTH_TIMEOUT", 10*time.Second),
			SendBuffer:        getIntOrDefault("SEND_BUFFER", 256),
		},
		Market: MarketConfig{
			BaseURL:      getEnvOrDefault("MARKET_API_URL", "http://localhost:9000"),
			FetchTimeout: getDurationOrDefault("MARKET_FETCH_TIMEOUT", 10*time.Second),
		},
		App: AppConfig{
			Environment: getEnvOrDefault("ENVIRONMENT", "development"),
			Debug:       getBoolOrDefault("DEBUG", false),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Database.SQLite.Path == "" {
		return fmt.Errorf("asset database path is required")
	}

	if c.Market.BaseURL == "" {
		return fmt.Errorf("market API base URL is required")
	}

	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.Stream.AuthTimeout <= 0 {
		return fmt.Errorf("auth timeout must be positive")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return strings.ToLower(c.App.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.App.Environment) == "development"
}

// PostgresConnectionString returns the alerts store connection string
func (c *Config) PostgresConnectionString() string {
	if c.Database.Postgres.URL != "" {
		return c.Database.Postgres.URL
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Postgres.Username,
		c.Database.Postgres.Password,
		c.Database.Postgres.Host,
		c.Database.Postgres.Port,
		c.Database.Postgres.Database,
		c.Database.Postgres.SSLMode,
	)
}

// RedisConnectionString returns the snapshot cache connection string
func (c *Config) RedisConnectionString() string {
	if c.Database.Redis.URL != "" {
		return c.Database.Redis.URL
	}

	if c.Database.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Database.Redis.Password,
			c.Database.Redis.Host,
			c.Database.Redis.Port,
			c.Database.Redis.Database,
		)
	}

	return fmt.Sprintf("redis://%s:%d/%d",
		c.Database.Redis.Host,
		c.Database.Redis.Port,
		c.Database.Redis.Database,
	)
}

// Helper functions for environment variable parsing

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
