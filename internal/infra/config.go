package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string
	GeoIPDBPath string

	// Cleanup/inpainting service.
	CleanupAPIKey  string
	CleanupBaseURL string

	// Generation service.
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	// Telemetry sink and prepared-image cache.
	RedisAddr     string
	RedisPassword string
	TelemetryTTL  time.Duration

	// Render policy. The retry bound applies per failed stage, the fan-out
	// caps concurrent placements within one run, and the stage timeout is
	// the deadline for any single external call.
	RenderRetryLimit int
	RenderFanOut     int
	StageTimeout     time.Duration

	// Token prices in USD per 1k tokens, used for run cost estimates.
	TokenPriceIn  float64
	TokenPriceOut float64

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. A .env file is honored when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		CleanupAPIKey:  os.Getenv("CLEANUP_API_KEY"),
		CleanupBaseURL: getEnv("CLEANUP_BASE_URL", "https://clipdrop-api.co"),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		TelemetryTTL:  time.Hour * time.Duration(getEnvInt("TELEMETRY_TTL_HOURS", 72)),

		RenderRetryLimit: getEnvInt("RENDER_RETRY_LIMIT", 2),
		RenderFanOut:     getEnvInt("RENDER_FAN_OUT", 3),
		StageTimeout:     time.Second * time.Duration(getEnvInt("STAGE_TIMEOUT_SECONDS", 120)),

		TokenPriceIn:  getEnvFloat("TOKEN_PRICE_IN_PER_1K", 0.0003),
		TokenPriceOut: getEnvFloat("TOKEN_PRICE_OUT_PER_1K", 0.0025),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   splitList(os.Getenv("ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RenderRetryLimit < 0 {
		return nil, fmt.Errorf("RENDER_RETRY_LIMIT must not be negative")
	}
	if cfg.RenderFanOut < 1 {
		return nil, fmt.Errorf("RENDER_FAN_OUT must be at least 1")
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
