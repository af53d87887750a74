package config

import (
	"fmt"
	"os"
)

// Config holds process-level settings sourced from the environment.
// Runtime-mutable settings (auth token, streamer list) live in the settings
// package instead.
type Config struct {
	AppEnv       string
	Port         string
	DatabaseURL  string
	SettingsPath string
	LogLevel     string
	LogFormat    string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:       getEnv("APP_ENV", "development"),
		Port:         getEnv("PORT", "8080"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SettingsPath: getEnv("SETTINGS_PATH", "config.json"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
