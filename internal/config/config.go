package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string     `json:"serverAddress"`
	DatabasePath  string     `json:"databasePath"`
	DatabaseURL   string     `json:"databaseUrl"`
	Security      Security   `json:"security"`
	IdleReaper    IdleReaper `json:"idleReaper"`
	Events        Events     `json:"events"`
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// IdleReaper configuration for the abandoned-timer background job
type IdleReaper struct {
	Enabled          bool `json:"enabled"`
	ThresholdMinutes int  `json:"thresholdMinutes"`
	IntervalMinutes  int  `json:"intervalMinutes"`
}

// Events configuration for the optional NATS relay between server
// instances. Empty URL disables the relay.
type Events struct {
	NATSURL string `json:"natsUrl"`
	Subject string `json:"subject"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// ReaperThreshold returns the idle threshold as a duration.
func (c *Config) ReaperThreshold() time.Duration {
	return time.Duration(c.IdleReaper.ThresholdMinutes) * time.Minute
}

// ReaperInterval returns the reaper poll interval as a duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.IdleReaper.IntervalMinutes) * time.Minute
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "timersync.db",
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
		IdleReaper: IdleReaper{
			Enabled:          false,
			ThresholdMinutes: 480,
			IntervalMinutes:  10,
		},
		Events: Events{
			Subject: "timersync.events",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	// Local development overrides; missing .env is not an error.
	_ = godotenv.Load()

	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.Events.NATSURL = natsURL
	}

	// Idle reaper configuration
	if enabled := os.Getenv("IDLE_REAPER_ENABLED"); enabled != "" {
		cfg.IdleReaper.Enabled = enabled == "true" || enabled == "1"
	}
	if threshold := os.Getenv("IDLE_REAPER_THRESHOLD_MINUTES"); threshold != "" {
		if minutes, err := strconv.Atoi(threshold); err == nil && minutes > 0 {
			cfg.IdleReaper.ThresholdMinutes = minutes
		}
	}
	if interval := os.Getenv("IDLE_REAPER_INTERVAL_MINUTES"); interval != "" {
		if minutes, err := strconv.Atoi(interval); err == nil && minutes > 0 {
			cfg.IdleReaper.IntervalMinutes = minutes
		}
	}

	return cfg, nil
}
