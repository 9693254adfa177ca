package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_AppliesDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./raymond.db", cfg.Database.Path)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "", cfg.Tracing.Endpoint)
	assert.Equal(t, 3, cfg.Workflow.DefaultMaxRetries)
}

func TestLoadWithPath_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("RAYMOND_NATS_URL", "nats://localhost:4222")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318")
	t.Setenv("RAYMOND_LOG_LEVEL", "debug")
	t.Setenv("RAYMOND_DB_DRIVER", "postgres")
	t.Setenv("RAYMOND_SERVER_PORT", "9090")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "http://localhost:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadWithPath_InvalidPortFailsValidation(t *testing.T) {
	t.Setenv("RAYMOND_SERVER_PORT", "70000")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestLoadWithPath_PostgresRequiresUserAndDBName(t *testing.T) {
	t.Setenv("RAYMOND_DB_DRIVER", "postgres")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("database:\n  user: \"\"\n  dbName: \"\"\n"), 0o644))
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestDetectDefaultLogFormat_RespectsEnv(t *testing.T) {
	os.Unsetenv("KUBERNETES_SERVICE_HOST")
	t.Setenv("RAYMOND_ENV", "production")
	assert.Equal(t, "json", detectDefaultLogFormat())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.DSN())
}
