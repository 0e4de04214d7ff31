// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Session correlation store. DATABASE_URL wins over REDIS_URL; with
	// neither set the store is in-memory.
	DatabaseURL string
	RedisURL    string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Realtime transport
	MaxClients          int
	UpgradesPerMinute   int
	UpgradeBurst        int
	AllowedOrigins      []string // empty = same host only
	SendQueueSize       int
	MaxFrameBytes       int64
	ShutdownGracePeriod int // seconds
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultMaxClients        = 10000
	DefaultUpgradesPerMinute = 60
	DefaultUpgradeBurst      = 10
	DefaultSendQueueSize     = 256
	DefaultMaxFrameBytes     = 64 * 1024
	DefaultShutdownGrace     = 5
	DefaultTraceSampleRatio  = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
		MaxClients:          int(getEnvInt64("MAX_CLIENTS", DefaultMaxClients)),
		UpgradesPerMinute:   int(getEnvInt64("WS_UPGRADES_PER_MINUTE", DefaultUpgradesPerMinute)),
		UpgradeBurst:        int(getEnvInt64("WS_UPGRADE_BURST", DefaultUpgradeBurst)),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS"),
		SendQueueSize:       int(getEnvInt64("WS_SEND_QUEUE", DefaultSendQueueSize)),
		MaxFrameBytes:       getEnvInt64("WS_MAX_FRAME_BYTES", DefaultMaxFrameBytes),
		ShutdownGracePeriod: int(getEnvInt64("SHUTDOWN_GRACE_SECONDS", DefaultShutdownGrace)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("PORT must be a number between 0 and 65535, got %q", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.MaxClients <= 0 {
		return fmt.Errorf("MAX_CLIENTS must be positive")
	}
	if c.UpgradesPerMinute <= 0 || c.UpgradeBurst <= 0 {
		return fmt.Errorf("WS_UPGRADES_PER_MINUTE and WS_UPGRADE_BURST must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("WS_SEND_QUEUE must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("WS_MAX_FRAME_BYTES must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %v", c.TraceSampleRatio)
	}
	if c.ShutdownGracePeriod < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_SECONDS must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StoreBackend names the session store selected by the configuration.
func (c *Config) StoreBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.RedisURL != "":
		return "redis"
	default:
		return "memory"
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
