package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHome points $HOME at a temp dir so the allowed config directory
// is test-owned.
func fakeHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "recalld")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	fakeHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9190, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, 1000, cfg.RateLimit.PerHour)
	assert.EqualValues(t, 100000, cfg.Retention.MaxSolutions)
	assert.Equal(t, 30, cfg.Retention.MaxAgeDays)
	assert.InDelta(t, 0.5, cfg.Retention.MinValueScore, 1e-9)
	assert.InDelta(t, 0.95, cfg.Retention.DedupSimilarityThreshold, 1e-9)
	assert.Equal(t, "chromem", cfg.VectorIndex.Provider)
	assert.NotEmpty(t, cfg.Gateway.AllowedCollections)
	assert.Equal(t, 10*1024, cfg.Gateway.MaxPayloadBytes)
}

func TestLoadFromYAMLFile(t *testing.T) {
	home := fakeHome(t)
	path := writeConfig(t, home, `
server:
  port: 8080
gateway:
  allowed_collections: ["errors", "runbooks"]
  max_limit: 50
ratelimit:
  per_minute: 10
  per_hour: 100
retention:
  max_solutions: 5000
  interval: 2h
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"errors", "runbooks"}, cfg.Gateway.AllowedCollections)
	assert.Equal(t, 50, cfg.Gateway.MaxLimit)
	assert.Equal(t, 10, cfg.RateLimit.PerMinute)
	assert.EqualValues(t, 5000, cfg.Retention.MaxSolutions)
	assert.Equal(t, 2*time.Hour, cfg.Retention.Interval)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	home := fakeHome(t)
	path := writeConfig(t, home, "server:\n  port: 8080\n", 0600)
	t.Setenv("SERVER_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestInsecurePermissionsRejected(t *testing.T) {
	home := fakeHome(t)
	path := writeConfig(t, home, "server:\n  port: 8080\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestPathOutsideAllowedDirsRejected(t *testing.T) {
	fakeHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("server:\n  port: 1\n"), 0600))

	_, err := Load(outside)
	assert.Error(t, err)
}

func TestOversizedFileRejected(t *testing.T) {
	home := fakeHome(t)
	big := "# padding\n" + strings.Repeat("# x\n", maxConfigFileSize/4)
	path := writeConfig(t, home, big, 0600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"minute cap above hour cap", "ratelimit:\n  per_minute: 500\n  per_hour: 100\n"},
		{"bad provider", "vectorindex:\n  provider: pinecone\n"},
		{"bad sample rate", "telemetry:\n  sample_rate: 2.5\n"},
		{"bad dedup threshold", "retention:\n  dedup_similarity_threshold: 1.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := fakeHome(t)
			path := writeConfig(t, home, tt.yaml, 0600)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("qdrant-api-key")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "qdrant-api-key", s.Value())
	assert.Equal(t, "", Secret("").String())
}

func TestRetentionMaxAge(t *testing.T) {
	c := RetentionConfig{MaxAgeDays: 30}
	assert.Equal(t, 30*24*time.Hour, c.MaxAge())
}
