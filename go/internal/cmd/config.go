package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Jorewin/planning-poker/go/internal/dbconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
)

// Config is the store server's configuration. An optional YAML file is read
// first, then environment variables override it.
type Config struct {
	Port            int           `yaml:"port"`
	Backend         string        `yaml:"backend"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	Database dbconfig.Config `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		Port:            8080,
		Backend:         backendMemory,
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Port = getEnvAsInt("PORT", config.Port)
	config.Backend = strings.ToLower(getEnv("STORE_BACKEND", config.Backend))
	config.LogLevel = getEnv("LOG_LEVEL", config.LogLevel)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}
	config.Database = dbconfig.NewConfigFromEnv()

	switch config.Backend {
	case backendMemory, backendPostgres:
	default:
		return Config{}, fmt.Errorf("unknown store backend %q", config.Backend)
	}
	if config.Port <= 0 || config.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", config.Port)
	}
	if _, err := zerolog.ParseLevel(config.LogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	return config, nil
}
