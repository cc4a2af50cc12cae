package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all process configuration for the assistant service.
type Config struct {
	HTTPPort     string
	LogLevel     string
	JWTSecret    string
	GeminiAPIKey string

	// Conversation store (SQLite).
	DatabaseURL string

	// ERP database, queried read-only. Driver defaults to sqlite3 so a
	// local snapshot works out of the box; point it at the live ERP
	// schema in production.
	ERPDriver string
	ERPDSN    string

	// Response cache. When RedisURL is empty an in-process cache is used.
	RedisURL      string
	CacheTTL      time.Duration
	CacheMaxItems int

	// Exported files (spreadsheets, PDFs).
	ExportDir     string
	ExportBaseURL string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found, relying on environment variables")
	}

	cfg := &Config{
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:   getEnv("DATABASE_URL", "erp_assistant.db"),
		ERPDriver:     getEnv("ERP_DB_DRIVER", "sqlite3"),
		ERPDSN:        getEnv("ERP_DB_DSN", "erp.db"),
		RedisURL:      getEnv("REDIS_URL", ""),
		CacheTTL:      time.Duration(getEnvAsInt("CACHE_TTL_SECONDS", 900)) * time.Second,
		CacheMaxItems: getEnvAsInt("CACHE_MAX_ITEMS", 500),
		ExportDir:     getEnv("EXPORT_DIR", "files"),
		ExportBaseURL: getEnv("EXPORT_BASE_URL", "/files"),
	}

	if cfg.GeminiAPIKey == "" {
		log.Fatal().Msg("GEMINI_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET environment variable is required")
	}

	return cfg
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
