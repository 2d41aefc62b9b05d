package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "")
	t.Setenv("MAX_RETRIES", "")
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, c.Pipeline.MaxConcurrent)
	assert.Equal(t, 3, c.Pipeline.MaxRetries)
	assert.Equal(t, 2*time.Second, c.Pipeline.TickInterval)
	assert.Equal(t, 1000, c.Pipeline.EventHistorySize)
	assert.Equal(t, "public", c.Target.PrivacyStatus)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  feed_url: http://localhost:8090/feed
  check_interval: 90s
  active_hours:
    start: "22:00"
    end: "06:00"
target:
  privacy_status: unlisted
  description_prefix: Re-uploaded from the archive
pipeline:
  max_concurrent: 5
  retry_base: 1s
  retry_max: 30s
  min_free_space_mb: 10
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8090/feed", c.Source.FeedURL)
	assert.Equal(t, 90*time.Second, c.Source.CheckInterval)
	assert.Equal(t, 5, c.Pipeline.MaxConcurrent)
	assert.Equal(t, 3, c.Pipeline.MaxRetries, "unset keys keep their default")

	oc := c.OrchestratorConfig()
	assert.Equal(t, time.Second, oc.Backoff.Base)
	assert.Equal(t, 30*time.Second, oc.Backoff.Max)
	assert.Equal(t, uint64(10<<20), oc.MinFreeBytes)
	assert.Equal(t, "unlisted", oc.PrivacyStatus)

	pc := c.PollerConfig()
	assert.True(t, pc.ActiveHours.Contains(time.Date(2026, 1, 1, 23, 0, 0, 0, time.Local)))
	assert.False(t, pc.ActiveHours.Contains(time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  max_concurrent: 5\n")
	t.Setenv("MAX_CONCURRENT", "2")
	t.Setenv("DATABASE_URL", "postgres://relay@localhost/relay")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Pipeline.MaxConcurrent)
	assert.Equal(t, "postgres://relay@localhost/relay", c.Database.URL)
	assert.Equal(t, "debug", c.Log.Level)

	t.Setenv("MAX_CONCURRENT", "many")
	_, err = Load(path)
	assert.ErrorContains(t, err, "MAX_CONCURRENT")
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  max_concurrency: 5\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Pipeline.MaxConcurrent = 0
	c.Pipeline.RetryBase = time.Minute
	c.Pipeline.RetryMax = time.Second
	c.Source.CheckInterval = time.Second
	c.Source.ActiveHours.Start = "7am"
	c.Source.ActiveHours.End = "22:00"
	c.Target.PrivacyStatus = "secret"

	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"max_concurrent", "retry_max", "check_interval", "active hours", "privacy_status"} {
		assert.ErrorContains(t, err, want)
	}

	assert.NoError(t, Default().Validate())
}
