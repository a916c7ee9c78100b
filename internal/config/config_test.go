package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into an empty directory so no stray .env or cardsync.yaml is
// picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, filepath.Join("data", "collections"), cfg.Storage.Root)
	assert.Equal(t, filepath.Join("data", "users"), cfg.Credentials.File)
	assert.Equal(t, 10*time.Second, cfg.Credentials.LockTimeout)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Empty(t, cfg.Health.Addr)
	assert.Empty(t, cfg.Books.ReadOnlyUsers)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("CARDSYNC_SYNC_INTERVAL", "5s")
	t.Setenv("CARDSYNC_WATCH_DEBOUNCE", "500ms")
	t.Setenv("CARDSYNC_WATCH_ENABLED", "false")
	t.Setenv("CARDSYNC_STORAGE_ROOT", "/srv/radicale/collections/collection-root")
	t.Setenv("CARDSYNC_DATABASE_DRIVER", "postgres")
	t.Setenv("CARDSYNC_DATABASE_DSN", "postgres://cardsync@localhost/cardsync")
	t.Setenv("CARDSYNC_BOOKS_READ_ONLY_USERS", "kiosk, lobby")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	assert.False(t, cfg.Watch.Enabled)
	assert.Equal(t, "/srv/radicale/collections/collection-root", cfg.Storage.Root)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://cardsync@localhost/cardsync", cfg.Database.DSN)
	assert.Equal(t, []string{"kiosk", "lobby"}, cfg.Books.ReadOnlyUsers)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CARDSYNC_SYNC_INTERVAL=45s\n"), 0o644))
	// godotenv never overrides variables that are already set.
	t.Setenv("CARDSYNC_SYNC_INTERVAL", "")
	os.Unsetenv("CARDSYNC_SYNC_INTERVAL")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Sync.Interval)
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	dir := chdir(t)
	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
sync:
  interval: 1m
storage:
  root: /from/file
database:
  dsn: /from/file.db
`), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("storage-root", "", "")
	flags.String("db-dsn", "", "")
	require.NoError(t, flags.Parse([]string{"--storage-root", "/from/flag"}))

	cfg, err := Load(file, flags)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "/from/flag", cfg.Storage.Root, "a set flag wins over the file")
	assert.Equal(t, "/from/file.db", cfg.Database.DSN, "an unset flag keeps the file value")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	chdir(t)
	_, err := Load("/does/not/exist.yaml", nil)
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Sync:        SyncConfig{Interval: time.Second},
			Watch:       WatchConfig{Debounce: time.Second},
			Storage:     StorageConfig{Root: "root"},
			Credentials: CredentialsConfig{File: "users", LockTimeout: time.Second},
			Database:    DatabaseConfig{Driver: DriverSQLite, DSN: "db"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, "sync.interval"},
		{"negative debounce", func(c *Config) { c.Watch.Debounce = -time.Second }, "watch.debounce"},
		{"zero lock timeout", func(c *Config) { c.Credentials.LockTimeout = 0 }, "credentials.lock_timeout"},
		{"empty root", func(c *Config) { c.Storage.Root = " " }, "storage.root"},
		{"empty credentials", func(c *Config) { c.Credentials.File = "" }, "credentials.file"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown database.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
