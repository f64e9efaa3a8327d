/**
 * Configuration for the Handprint worker and CLI
 *
 * Loads configuration from environment variables (optionally seeded from a
 * .env file by the binaries) and service descriptor overrides from YAML.
 */

package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration (empty disables the result cache and run events)
	RedisURL  string
	QueueName string

	// PostgreSQL configuration (empty disables persistence)
	DatabaseURL string

	// Service credentials
	MicrosoftEndpoint string
	MicrosoftKey      string
	GoogleAPIKey      string
	GoogleEndpoint    string

	// Tesseract configuration
	TesseractLanguage string

	// Service descriptor overrides
	ServicesFile string

	// Run configuration
	Concurrency       int
	MinDimension      int
	ProcessingTimeout time.Duration
	CacheTTL          time.Duration

	// Comparison configuration
	CompareThreshold float64
	CompareWindow    int

	// Logging
	LogLevel  string
	LogFormat string
}

// DefaultConcurrency is half the available CPUs, at least one.
func DefaultConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		return 1
	}
	return n
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", ""),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "handprint"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		MicrosoftEndpoint: getEnvOrDefault("MICROSOFT_ENDPOINT", ""),
		MicrosoftKey:      getEnvOrDefault("MICROSOFT_KEY", ""),
		GoogleAPIKey:      getEnvOrDefault("GOOGLE_API_KEY", ""),
		GoogleEndpoint:    getEnvOrDefault("GOOGLE_ENDPOINT", "https://vision.googleapis.com"),
		TesseractLanguage: getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		ServicesFile:      getEnvOrDefault("HANDPRINT_SERVICES_FILE", ""),
		Concurrency:       getEnvAsIntOrDefault("CONCURRENCY", DefaultConcurrency()),
		MinDimension:      getEnvAsIntOrDefault("MIN_DIMENSION", 64),
		ProcessingTimeout: getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 5*time.Minute),
		CacheTTL:          getEnvAsDurationOrDefault("CACHE_TTL", 24*time.Hour),
		CompareThreshold:  getEnvAsFloatOrDefault("COMPARE_THRESHOLD", 0.5),
		CompareWindow:     getEnvAsIntOrDefault("COMPARE_WINDOW", 0),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "console"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Concurrency < 1 || c.Concurrency > 256 {
		return fmt.Errorf("CONCURRENCY must be between 1 and 256, got %d", c.Concurrency)
	}

	if c.MinDimension < 1 || c.MinDimension > 4096 {
		return fmt.Errorf("MIN_DIMENSION must be between 1 and 4096, got %d", c.MinDimension)
	}

	if c.CompareThreshold <= 0 || c.CompareThreshold > 1 {
		return fmt.Errorf("COMPARE_THRESHOLD must be in (0, 1], got %g", c.CompareThreshold)
	}

	if c.CompareWindow < 0 {
		return fmt.Errorf("COMPARE_WINDOW must not be negative, got %d", c.CompareWindow)
	}

	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive, got %v", c.ProcessingTimeout)
	}

	if (c.MicrosoftEndpoint == "") != (c.MicrosoftKey == "") {
		return fmt.Errorf("MICROSOFT_ENDPOINT and MICROSOFT_KEY must be set together")
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
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

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
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

// getEnvAsDurationOrDefault accepts Go duration strings ("90s") or plain milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}
