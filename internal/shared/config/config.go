package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the server
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Auth
	JWTSecret   string
	TokenExpiry time.Duration

	// Provider credential encryption (32-byte hex key)
	EncryptionKey string

	// Global fallback provider (used when no tenant config is primary+active)
	FallbackOpenAIKey   string
	FallbackOpenAIModel string

	// Upstream call budget
	UpstreamTimeout time.Duration

	// Provider descriptor cache
	ProviderCacheTTL time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		TokenExpiry:         time.Duration(getEnvInt("TOKEN_EXPIRY_HOURS", 72)) * time.Hour,
		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
		FallbackOpenAIKey:   getEnv("OPENAI_API_KEY", ""),
		FallbackOpenAIModel: getEnv("OPENAI_FALLBACK_MODEL", "gpt-4o-mini"),
		UpstreamTimeout:     time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 45)) * time.Second,
		ProviderCacheTTL:    time.Duration(getEnvInt("PROVIDER_CACHE_TTL_SECONDS", 30)) * time.Second,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
