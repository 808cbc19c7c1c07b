package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FillsDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `timezone: "UTC"`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, 15, cfg.LoopIntervalSeconds)
	assert.Equal(t, "21:00-23:00", cfg.Dreaming.NightlyWindow)
	assert.Equal(t, "porter", cfg.Retrieval.FTSTokenizer)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
timezone: "America/New_York"
loop_interval_seconds: 30
drives:
  self_check: "every:60"
dreaming:
  nightly_window: "20:00-21:00"
  weekly:
    weekday: "Fri"
    time: "18:00"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.LoopIntervalSeconds)
	assert.Equal(t, "every:60", cfg.Drives["self_check"])
	assert.Equal(t, "20:00-21:00", cfg.Dreaming.NightlyWindow)
	assert.Equal(t, "Fri", cfg.Dreaming.Weekly.Weekday)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLocation_FallsBackToUTCOnUnknownZone(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "Not/A_Real_Zone"
	assert.Equal(t, time.UTC, cfg.Location())
}
