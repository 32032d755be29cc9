package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLICKROLL_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3111, cfg.Port)
	assert.Equal(t, int64(100_000), cfg.MilestoneStep)
	assert.Equal(t, int64(1_000_000), cfg.GrandMilestone)
	assert.Equal(t, 15, cfg.RateSecondThreshold)
	assert.Equal(t, 500, cfg.RateMinuteThreshold)
	assert.Equal(t, 15_000, cfg.RateHourThreshold)
	assert.Equal(t, 2*time.Hour, cfg.SustainedActivity)
	assert.Equal(t, 30*time.Minute, cfg.SessionGap)
	assert.Empty(t, cfg.AllowedOriginList())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLICKROLL_DATA_DIR", t.TempDir())
	t.Setenv("CLICKROLL_PORT", "8080")
	t.Setenv("CLICKROLL_MILESTONE_STEP", "500")
	t.Setenv("CLICKROLL_RATE_SECOND", "30")
	t.Setenv("CLICKROLL_SESSION_GAP", "10m")
	t.Setenv("CLICKROLL_ALLOWED_ORIGINS", "http://localhost:5173, https://example.com")
	t.Setenv("TURNSTILE_SECRET_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(500), cfg.MilestoneStep)
	assert.Equal(t, 30, cfg.RateSecondThreshold)
	assert.Equal(t, 10*time.Minute, cfg.SessionGap)
	assert.Equal(t, []string{"http://localhost:5173", "https://example.com"}, cfg.AllowedOriginList())
	assert.Equal(t, "secret", cfg.TurnstileSecretKey)
}

func TestLoadInvalidValuesIgnored(t *testing.T) {
	t.Setenv("CLICKROLL_DATA_DIR", t.TempDir())
	t.Setenv("CLICKROLL_RATE_MINUTE", "not-a-number")
	t.Setenv("CLICKROLL_SESSION_GAP", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.RateMinuteThreshold)
	assert.Equal(t, 30*time.Minute, cfg.SessionGap)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("CLICKROLL_DATA_DIR", t.TempDir())
	t.Setenv("CLICKROLL_PORT", "99999")

	_, err := Load()
	assert.Error(t, err)
}
