// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration for the service.
type Config struct {
	Host           string
	Port           int
	DataDir        string
	AllowedOrigins string // comma-separated list; empty means same-origin only
	LogLevel       string
	LogFormat      string

	// Milestone policy for the running total.
	MilestoneStep  int64
	GrandMilestone int64

	// Rate guard thresholds.
	RateSecondThreshold int
	RateMinuteThreshold int
	RateHourThreshold   int
	SustainedActivity   time.Duration
	SessionGap          time.Duration

	// Cloudflare Turnstile.
	TurnstileSecretKey string

	// Mailjet notification sink.
	MailjetAPIKey    string
	MailjetSecretKey string
	MailjetFromEmail string
	MailjetFromName  string
	MailjetToEmail   string
}

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	dataDir := "./data"
	if dir := strings.TrimSpace(os.Getenv("CLICKROLL_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	// Load .env from the data directory if present (deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}

	// Also try the current directory for development
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Host:                "0.0.0.0",
		Port:                3111,
		DataDir:             dataDir,
		LogLevel:            "info",
		LogFormat:           "auto",
		MilestoneStep:       100_000,
		GrandMilestone:      1_000_000,
		RateSecondThreshold: 15,
		RateMinuteThreshold: 500,
		RateHourThreshold:   15_000,
		SustainedActivity:   2 * time.Hour,
		SessionGap:          30 * time.Minute,
	}

	applyEnvOverrides(cfg)

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MilestoneStep <= 0 {
		return nil, fmt.Errorf("milestone step must be positive, got %d", cfg.MilestoneStep)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("CLICKROLL_HOST"); host != "" {
		cfg.Host = host
	}
	setInt("CLICKROLL_PORT", &cfg.Port)
	if origins := os.Getenv("CLICKROLL_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = origins
	}
	if level := os.Getenv("CLICKROLL_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("CLICKROLL_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}

	setInt64("CLICKROLL_MILESTONE_STEP", &cfg.MilestoneStep)
	setInt64("CLICKROLL_GRAND_MILESTONE", &cfg.GrandMilestone)

	setInt("CLICKROLL_RATE_SECOND", &cfg.RateSecondThreshold)
	setInt("CLICKROLL_RATE_MINUTE", &cfg.RateMinuteThreshold)
	setInt("CLICKROLL_RATE_HOUR", &cfg.RateHourThreshold)
	setDuration("CLICKROLL_SUSTAINED_ACTIVITY", &cfg.SustainedActivity)
	setDuration("CLICKROLL_SESSION_GAP", &cfg.SessionGap)

	cfg.TurnstileSecretKey = os.Getenv("TURNSTILE_SECRET_KEY")
	cfg.MailjetAPIKey = os.Getenv("MAILJET_API_KEY")
	cfg.MailjetSecretKey = os.Getenv("MAILJET_SECRET_KEY")
	cfg.MailjetFromEmail = os.Getenv("MAILJET_FROM_EMAIL")
	cfg.MailjetFromName = os.Getenv("MAILJET_FROM_NAME")
	cfg.MailjetToEmail = os.Getenv("MAILJET_TO_EMAIL")
}

// AllowedOriginList splits the configured origins into a normalized slice.
func (c *Config) AllowedOriginList() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func setInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, ignoring")
		return
	}
	*dst = v
}

func setInt64(key string, dst *int64) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, ignoring")
		return
	}
	*dst = v
}

func setDuration(key string, dst *time.Duration) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration in environment, ignoring")
		return
	}
	*dst = v
}
