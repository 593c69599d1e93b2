package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the analytics server
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Replay        ReplayConfig        `yaml:"replay"`
	Downloader    DownloaderConfig    `yaml:"downloader"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path         string        `yaml:"path"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type ReplayConfig struct {
	MaxSessions  int           `yaml:"max_sessions"`
	DefaultDelay time.Duration `yaml:"default_delay"`
	StreamBuffer int           `yaml:"stream_buffer"`
}

type DownloaderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Load loads configuration from environment variables.
//
// If CONFIG_FILE is set, the YAML file is applied on top of the
// environment-derived defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:  []string{getEnv("CORS_ALLOWED_ORIGINS", "*")},
		},
		Database: DatabaseConfig{
			Path:         getEnv("DATABASE_PATH", "analytics.db"),
			QueryTimeout: getDurationEnv("DB_QUERY_TIMEOUT", 30*time.Second),
		},
		Replay: ReplayConfig{
			MaxSessions:  getIntEnv("REPLAY_MAX_SESSIONS", 10),
			DefaultDelay: getDurationEnv("REPLAY_DEFAULT_DELAY", 100*time.Millisecond),
			StreamBuffer: getIntEnv("REPLAY_STREAM_BUFFER", 256),
		},
		Downloader: DownloaderConfig{
			BaseURL:           getEnv("DOWNLOADER_BASE_URL", "https://query1.finance.yahoo.com"),
			Timeout:           getDurationEnv("DOWNLOADER_TIMEOUT", 30*time.Second),
			MaxRetries:        getIntEnv("DOWNLOADER_MAX_RETRIES", 3),
			RetryDelay:        getDurationEnv("DOWNLOADER_RETRY_DELAY", 2*time.Second),
			RequestsPerSecond: getFloatEnv("DOWNLOADER_REQUESTS_PER_SECOND", 2.0),
			Burst:             getIntEnv("DOWNLOADER_BURST", 1),
		},
		Observability: ObservabilityConfig{
			ServiceName: getEnv("OTEL_SERVICE_NAME", "analytics-server"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "json"),
		},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.Replay.MaxSessions <= 0 {
		return fmt.Errorf("REPLAY_MAX_SESSIONS must be positive")
	}
	if c.Replay.DefaultDelay <= 0 {
		return fmt.Errorf("REPLAY_DEFAULT_DELAY must be positive")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
