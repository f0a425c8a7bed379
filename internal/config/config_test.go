package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/scanledger/internal/store"
	"github.com/lvonguyen/scanledger/internal/vendorpattern"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, store.DriverSQLite, cfg.Database.Driver)
	assert.Empty(t, cfg.Redis.Addr, "cache disabled by default")
	assert.Equal(t, 0.5, cfg.Import.MaxSkipRate)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	p := writeConfig(t, `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://scanledger@localhost/scanledger?sslmode=disable
import:
  max_skip_rate: 0.25
  busy_retry_delay: 1s
logging:
  level: debug
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, store.DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 0.25, cfg.Import.MaxSkipRate)
	assert.Equal(t, time.Second, cfg.Import.BusyRetryDelay)
	assert.Equal(t, 10, cfg.Import.SkipRateMinRows, "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.TelemetryConfig().LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabaseDriver, "memory")
	t.Setenv(EnvDatabaseDSN, "")
	t.Setenv(EnvRedisAddr, "cache:6379")
	t.Setenv(vendorpattern.EnvPath, "/etc/scanledger/patterns.json")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, store.DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "/etc/scanledger/patterns.json", cfg.VendorPatterns.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown driver", body: "database:\n  driver: mysql\n"},
		{name: "missing dsn", body: "database:\n  driver: postgres\n  dsn: \"\"\n"},
		{name: "skip rate above one", body: "import:\n  max_skip_rate: 1.5\n"},
		{name: "bad log level", body: "logging:\n  level: trace\n"},
		{name: "bad port", body: "server:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map]\n"))
	assert.Error(t, err)
}

func TestRedisPassword(t *testing.T) {
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")
	assert.Equal(t, "s3cret", RedisConfig{PasswordEnv: "TEST_REDIS_PASSWORD"}.Password())
	assert.Empty(t, RedisConfig{}.Password())
}
