package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Store.MaxConns)
	assert.Equal(t, 2, cfg.Store.MinConns)
	assert.Equal(t, 30, cfg.Notify.PerMinute)
	assert.Equal(t, 30, cfg.Verify.StaleClaimMinutes)
	assert.Equal(t, 5, cfg.Verify.MaxAttempts)
	assert.Equal(t, 1, cfg.Verify.MinDaysWithData)
	assert.Equal(t, 5, cfg.Generator.MaxConcurrentVenues)
	assert.Equal(t, 10, cfg.Monitoring.OverdueThreshold)
	assert.Equal(t, 5, cfg.Monitoring.QuarantineThreshold)
	assert.InDelta(t, 0.5, cfg.Monitoring.FailRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackHours)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: /var/lib/opsloop/opsloop.db
log:
  level: debug
  format: console
server:
  port: 9090
verify:
  max_attempts: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/opsloop/opsloop.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Verify.MaxAttempts)
	// Defaults still apply for unset values
	assert.Equal(t, 30, cfg.Verify.StaleClaimMinutes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("OPSLOOP_STORE_DRIVER", "postgres")
	t.Setenv("OPSLOOP_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("OPSLOOP_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/opsloop"
	cfg.Verify.StaleClaimMinutes = 30
	cfg.Verify.MaxAttempts = 5
	cfg.Verify.MinDaysWithData = 1
	cfg.Generator.MaxConcurrentVenues = 5
	cfg.Monitoring.FailRateThreshold = 0.5
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateServe_ValidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 9090

	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_MissingDatabaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_BadDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateSweep_AttemptBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Verify.MaxAttempts = 0
	err := cfg.Validate("sweep")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "verify.max_attempts must be between 1 and 20")

	cfg.Verify.MaxAttempts = 21
	err = cfg.Validate("sweep")
	assert.Error(t, err)

	cfg.Verify.MaxAttempts = 20
	assert.NoError(t, cfg.Validate("sweep"))
}

func TestValidateSweep_StaleClaim(t *testing.T) {
	cfg := validDefaults()
	cfg.Verify.StaleClaimMinutes = 0

	err := cfg.Validate("sweep")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "verify.stale_claim_minutes must be > 0")
}

func TestValidateGenerate_ConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Generator.MaxConcurrentVenues = 0
	err := cfg.Validate("generate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "generator.max_concurrent_venues must be between 1 and 50")

	cfg.Generator.MaxConcurrentVenues = 51
	err = cfg.Validate("generate")
	assert.Error(t, err)

	cfg.Generator.MaxConcurrentVenues = 50
	assert.NoError(t, cfg.Validate("generate"))
}

func TestValidate_FailRateBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.FailRateThreshold = 1.5

	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.fail_rate_threshold must be between 0 and 1")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
