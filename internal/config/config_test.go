package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, []string{"modules"}, cfg.Modules.Paths)
	assert.False(t, cfg.Modules.AutoInstall)
	assert.Equal(t, "static", cfg.Static.Root)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:8088", cfg.Addr())
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, `
database:
  driver: sqlite3
  url: file:vantage.db
modules:
  paths: [modules, extra_modules]
  auto_install: true
server:
  host: 0.0.0.0
  port: 9000
log:
  level: debug
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "file:vantage.db", cfg.Database.URL)
	assert.Equal(t, []string{"modules", "extra_modules"}, cfg.Modules.Paths)
	assert.True(t, cfg.Modules.AutoInstall)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := writeConfig(t, `
database:
  url: postgres://file-wins
`)
	t.Setenv("VANTAGE_DATABASE_URL", "postgres://env-wins")
	t.Setenv("VANTAGE_LOG_LEVEL", "warn")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-wins", cfg.Database.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"driver": "database:\n  driver: mysql\n",
		"port":   "server:\n  port: 70000\n",
		"level":  "log:\n  level: verbose\n",
		"paths":  "modules:\n  paths: []\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "database: [unclosed"))
	assert.Error(t, err)
}
