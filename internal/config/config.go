// Package config loads cardsync settings from defaults, an optional config
// file, a .env file, CARDSYNC_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CARDSYNC_SYNC_INTERVAL.
const EnvPrefix = "CARDSYNC"

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete runtime configuration. It is read once at startup.
type Config struct {
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Watch       WatchConfig       `mapstructure:"watch" yaml:"watch"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	Books       BooksConfig       `mapstructure:"books" yaml:"books"`
}

type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

type StorageConfig struct {
	// Root is the collection root holding one directory per book or account.
	Root string `mapstructure:"root" yaml:"root"`
}

type CredentialsConfig struct {
	File        string        `mapstructure:"file" yaml:"file"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	BcryptCost  int           `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	// File enables a size-rotated log file in addition to stderr.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Quiet      bool   `mapstructure:"quiet" yaml:"quiet"`
}

type HealthConfig struct {
	// Addr enables the status server when non-empty, e.g. "127.0.0.1:8089".
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type BooksConfig struct {
	// ReadOnlyUsers are credential entries that only subscribe to books and
	// never get composite accounts.
	ReadOnlyUsers []string `mapstructure:"read_only_users" yaml:"read_only_users"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"storage-root":     "storage.root",
	"credentials-file": "credentials.file",
	"db-driver":        "database.driver",
	"db-dsn":           "database.dsn",
	"log-file":         "log.file",
	"quiet":            "log.quiet",
	"health-addr":      "health.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", 2*time.Second)
	v.SetDefault("storage.root", filepath.Join("data", "collections"))
	v.SetDefault("credentials.file", filepath.Join("data", "users"))
	v.SetDefault("credentials.lock_timeout", 10*time.Second)
	v.SetDefault("credentials.bcrypt_cost", 10)
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", filepath.Join("data", "cardsync.db"))
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.quiet", false)
	v.SetDefault("health.addr", "")
	v.SetDefault("books.read_only_users", []string{})
}

// Load builds a Config. cfgFile may be empty, in which case cardsync.yaml is
// looked up in the working directory and in $HOME/.config/cardsync; a
// missing file is not an error. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cardsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cardsync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// Comma-separated lists are common in the environment.
	if raw := os.Getenv(EnvPrefix + "_BOOKS_READ_ONLY_USERS"); raw != "" {
		cfg.Books.ReadOnlyUsers = splitList(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Watch.Debounce <= 0 {
		errs = append(errs, fmt.Errorf("watch.debounce must be positive, got %s", c.Watch.Debounce))
	}
	if c.Credentials.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("credentials.lock_timeout must be positive, got %s", c.Credentials.LockTimeout))
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("storage.root must not be empty"))
	}
	if strings.TrimSpace(c.Credentials.File) == "" {
		errs = append(errs, errors.New("credentials.file must not be empty"))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn must not be empty"))
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q (want %s or %s)", c.Database.Driver, DriverSQLite, DriverPostgres))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
