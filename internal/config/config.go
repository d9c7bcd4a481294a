package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // console or json

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Authentication
	JWTSecret      string
	AccessTokenTTL time.Duration

	// AI generation
	GeminiAPIKey string
	GeminiModel  string
	AITimeout    time.Duration

	// Sandbox settings
	DockerHost     string // empty = auto-detect from docker context
	SandboxImage   string
	SandboxPort    int // port the sandboxed process is expected to listen on
	InstallTimeout time.Duration
	StartTimeout   time.Duration
	ReadyTimeout   time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"})

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./buildroom.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Authentication
	cfg.JWTSecret = getEnv("JWT_SECRET", "")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 24*time.Hour)

	// AI generation
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", "")
	cfg.GeminiModel = getEnv("GEMINI_MODEL", "gemini-2.5-flash")
	cfg.AITimeout = getEnvDuration("AI_TIMEOUT", 90*time.Second)

	// Sandbox
	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", "node:20-alpine")
	cfg.SandboxPort = getEnvInt("SANDBOX_PORT", 3000)
	cfg.InstallTimeout = getEnvDuration("SANDBOX_INSTALL_TIMEOUT", 5*time.Minute)
	cfg.StartTimeout = getEnvDuration("SANDBOX_START_TIMEOUT", 30*time.Second)
	cfg.ReadyTimeout = getEnvDuration("SANDBOX_READY_TIMEOUT", 60*time.Second)

	return cfg, nil
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
