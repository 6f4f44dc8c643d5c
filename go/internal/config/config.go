// Package config loads client settings from an optional YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Endpoint       string        `yaml:"endpoint"`
	RPCPath        string        `yaml:"rpc_path"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	StateFile      string        `yaml:"state_file"`
	User           string        `yaml:"user"`
	LogLevel       string        `yaml:"log_level"`
	Events         EventsConfig  `yaml:"events"`
}

// EventsConfig controls where session events go. An empty NATSURL keeps
// them in the log.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Buffer        int    `yaml:"buffer"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Endpoint:       "http://localhost:8080",
		RPCPath:        "/rpc",
		PollInterval:   1500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
		StateFile:      defaultStateFile(),
		LogLevel:       "info",
		Events: EventsConfig{
			Stream:        "POKER_EVENTS",
			SubjectPrefix: "poker.events",
			Buffer:        256,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Endpoint = getEnv("POKER_ENDPOINT", cfg.Endpoint)
	cfg.RPCPath = getEnv("POKER_RPC_PATH", cfg.RPCPath)
	cfg.PollInterval = getEnvAsDuration("POKER_POLL_INTERVAL", cfg.PollInterval)
	cfg.RequestTimeout = getEnvAsDuration("POKER_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.StateFile = getEnv("POKER_STATE_FILE", cfg.StateFile)
	cfg.User = getEnv("POKER_USER", cfg.User)
	cfg.LogLevel = getEnv("POKER_LOG_LEVEL", cfg.LogLevel)
	cfg.Events.NATSURL = getEnv("NATS_URL", cfg.Events.NATSURL)
	cfg.Events.SubjectPrefix = getEnv("POKER_NATS_SUBJECT", cfg.Events.SubjectPrefix)
	cfg.Events.Buffer = getEnvAsInt("POKER_EVENT_BUFFER", cfg.Events.Buffer)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Events.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer must be positive, got %d", c.Events.Buffer))
	}
	return errors.Join(errs...)
}

// Level is the parsed log level.
func (c Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".planning-poker.yaml"
	}
	return filepath.Join(dir, "planning-poker", "state.yaml")
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
