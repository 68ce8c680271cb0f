// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. An empty DATABASE_URL selects the in-memory store,
	// which is intended for development and loses all data on restart.
	DatabaseURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminUsername string // Username for the initial admin user.
	AdminAPIKey   string // API key for the initial admin user.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool // Plain HTTP export, for local collectors.
	ServiceName  string

	// Rate limiting for mutation endpoints.
	RateLimitRPS   float64 // Sustained requests per second per user; 0 disables limiting.
	RateLimitBurst int

	// SSE settings.
	SSEHeartbeatInterval time.Duration

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("TASUKI_PORT", 8080),
		ReadTimeout:          envDuration("TASUKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("TASUKI_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		JWTPrivateKeyPath:    envStr("TASUKI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:     envStr("TASUKI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:        envDuration("TASUKI_JWT_EXPIRATION", 24*time.Hour),
		AdminUsername:        envStr("TASUKI_ADMIN_USERNAME", "admin"),
		AdminAPIKey:          envStr("TASUKI_ADMIN_API_KEY", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("TASUKI_OTEL_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "tasuki"),
		RateLimitRPS:         envFloat("TASUKI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:       envInt("TASUKI_RATE_LIMIT_BURST", 20),
		SSEHeartbeatInterval: envDuration("TASUKI_SSE_HEARTBEAT_INTERVAL", 30*time.Second),
		LogLevel:             envStr("TASUKI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:  int64(envInt("TASUKI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: TASUKI_PORT must be in 1..65535")
	}
	if c.JWTExpiration <= 0 {
		return fmt.Errorf("config: TASUKI_JWT_EXPIRATION must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TASUKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: TASUKI_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: TASUKI_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	if c.SSEHeartbeatInterval <= 0 {
		return fmt.Errorf("config: TASUKI_SSE_HEARTBEAT_INTERVAL must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
