// Package config loads service configuration from the environment, with
// an optional JSON file overriding the defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration.
type Config struct {
	// Server
	Port string `json:"port"`

	// Database
	DatabasePath    string        `json:"database_path"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"-"`

	// Resolution
	SimilarityThreshold  float64  `json:"similarity_threshold"`
	MismatchTolerancePct float64  `json:"mismatch_tolerance_pct"`
	PLUOverrideChains    []string `json:"plu_override_chains"`
	FuzzyCandidateLimit  int      `json:"fuzzy_candidate_limit"`

	// Optional dictionary of receipt abbreviations, raw -> expansion.
	Abbreviations map[string]string `json:"abbreviations"`

	// HTTP
	RateLimitPerSec int    `json:"rate_limit_per_sec"`
	LogLevel        string `json:"log_level"`
}

// fileConfig mirrors Config for the JSON file, with durations as strings.
type fileConfig struct {
	Config
	ConnMaxLifetime string `json:"conn_max_lifetime"`
}

// Load builds the configuration from environment variables, then applies
// the JSON file named by CANONIZER_CONFIG (if any) on top.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("SERVER_PORT", "8080"),
		DatabasePath:         getEnv("DATABASE_PATH", "canonizer.db"),
		MaxOpenConns:         getEnvInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:         getEnvInt("DB_MAX_IDLE_CONNS", 3),
		ConnMaxLifetime:      getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		SimilarityThreshold:  getEnvFloat("SIMILARITY_THRESHOLD", 0.85),
		MismatchTolerancePct: getEnvFloat("MISMATCH_TOLERANCE_PCT", 10.0),
		PLUOverrideChains:    getEnvList("PLU_OVERRIDE_CHAINS"),
		FuzzyCandidateLimit:  getEnvInt("FUZZY_CANDIDATE_LIMIT", 1000),
		RateLimitPerSec:      getEnvInt("RATE_LIMIT_PER_SEC", 50),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),
	}

	if path := os.Getenv("CANONIZER_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	fc.Config = *c
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	*c = fc.Config
	if fc.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(fc.ConnMaxLifetime)
		if err != nil {
			return fmt.Errorf("invalid conn_max_lifetime: %w", err)
		}
		c.ConnMaxLifetime = d
	}
	return nil
}

// Validate reports every problem at once rather than the first one.
func (c *Config) Validate() error {
	var problems []string

	if c.Port == "" {
		problems = append(problems, "port is required")
	} else if port, err := strconv.Atoi(c.Port); err != nil {
		problems = append(problems, fmt.Sprintf("invalid port: %s", c.Port))
	} else if port < 1 || port > 65535 {
		problems = append(problems, fmt.Sprintf("port must be between 1 and 65535, got %d", port))
	}

	if c.DatabasePath == "" {
		problems = append(problems, "database path is required")
	}
	if c.MaxOpenConns < 1 {
		problems = append(problems, "max open connections must be at least 1")
	}
	if c.MaxIdleConns < 1 {
		problems = append(problems, "max idle connections must be at least 1")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		problems = append(problems, "max idle connections cannot be greater than max open connections")
	}
	if c.ConnMaxLifetime < time.Second {
		problems = append(problems, "connection max lifetime must be at least 1 second")
	}

	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		problems = append(problems, fmt.Sprintf("similarity threshold must be in [0, 1], got %g", c.SimilarityThreshold))
	}
	if c.MismatchTolerancePct < 0 {
		problems = append(problems, "mismatch tolerance must not be negative")
	}
	if c.FuzzyCandidateLimit < 1 {
		problems = append(problems, "fuzzy candidate limit must be at least 1")
	}
	if c.RateLimitPerSec < 1 {
		problems = append(problems, "rate limit must be at least 1 request per second")
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if c.LogLevel != "" {
		valid := false
		for _, level := range validLevels {
			if strings.EqualFold(c.LogLevel, level) {
				valid = true
				break
			}
		}
		if !valid {
			problems = append(problems, fmt.Sprintf("invalid log level: %s (valid: %s)",
				c.LogLevel, strings.Join(validLevels, ", ")))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level string understood by the
// logging setup in cmd/server.
func (c *Config) SlogLevel() string {
	return strings.ToUpper(c.LogLevel)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable, dropping
// empty entries.
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
