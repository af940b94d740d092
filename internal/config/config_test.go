package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetctl/fleetctl-gateway/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOST", "PORT", "DASHBOARD_API_KEY", "ALLOWED_ORIGINS",
		"RATE_LIMIT_WINDOW_MS", "RATE_LIMIT_MAX_REQUESTS", "DATA_DIR",
		"LINEAR_WEBHOOK_SECRET", "LOG_FORMAT", "CONFIG_FILE",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadFailsWithoutRequiredAPIKey(t *testing.T) {
	clearEnv(t)
	_, err := config.Load()
	require.ErrorContains(t, err, "DASHBOARD_API_KEY")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DASHBOARD_API_KEY", "secret")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	require.Equal(t, 60, cfg.RateLimitMax)
	require.Equal(t, "json", cfg.LogFormat)
	require.False(t, cfg.SleepSchedule.Enabled)
}

func TestLoadReadsOverridesFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DASHBOARD_API_KEY", "secret")
	t.Setenv("PORT", "8080")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "10")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	require.Equal(t, 10, cfg.RateLimitMax)
	require.Equal(t, "text", cfg.LogFormat)
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	clearEnv(t)
	t.Setenv("DASHBOARD_API_KEY", "secret")
	t.Setenv("PORT", "99999")

	_, err := config.Load()
	require.ErrorContains(t, err, "PORT")
}

func TestLoadAppliesYAMLOverlayForSleepSchedule(t *testing.T) {
	clearEnv(t)
	t.Setenv("DASHBOARD_API_KEY", "secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sleep_schedule:
  enabled: true
  start_hour: 23
  end_hour: 7
  timezone: "America/New_York"
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.True(t, cfg.SleepSchedule.Enabled)
	require.Equal(t, 23, cfg.SleepSchedule.StartHour)
	require.Equal(t, "America/New_York", cfg.SleepSchedule.Timezone)
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	cfg := &config.Config{
		DashboardAPIKey: "secret",
		Port:            3000,
		RateLimitWindow: time.Minute,
		RateLimitMax:    1,
		DataDir:         "",
	}
	require.ErrorContains(t, cfg.Validate(), "DATA_DIR")
}
