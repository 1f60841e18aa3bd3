package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFileOrEnv(t *testing.T) {
	l := NewLoader(WithEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 2, cfg.Safety.MaxConcurrentRuns)
}

func TestLoadMergesYAMLFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 9090
database:
  driver: pgx
  dsn: "postgres://example"
safety:
  max_concurrent_runs: 5
  stall_timeout: 90s
`), 0o644))

	l := NewLoader(WithConfigFile(path), WithEnvFile(filepath.Join(dir, "missing.env")))
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://example", cfg.Database.DSN)
	assert.Equal(t, 5, cfg.Safety.MaxConcurrentRuns)
	assert.Equal(t, 90*time.Second, cfg.Safety.StallTimeout)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host, "unset fields keep compiled-in defaults")
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(WithConfigFile(filepath.Join(dir, "nope.yaml")), WithEnvFile(filepath.Join(dir, "missing.env")))
	_, err := l.Load()
	require.NoError(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0o644))
	t.Setenv("DAGRUNNER_HTTP_PORT", "9191")

	l := NewLoader(WithConfigFile(path), WithEnvFile(filepath.Join(dir, "missing.env")))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTP.Port)
}

func TestLoadSafetyEnvOverride(t *testing.T) {
	t.Setenv("DAGRUNNER_MAX_RETRIES_CAP", "7")
	l := NewLoader(WithEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Safety.MaxRetriesCap)
}
