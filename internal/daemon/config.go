// Package daemon manages the gamify daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/memoryapp/gamify/internal/log"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Engine    EngineConfig    `toml:"engine"`
	Jobs      JobsConfig      `toml:"jobs"`
	Alerts    AlertsConfig    `toml:"alerts"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`
}

// StorageConfig selects and locates the store.
type StorageConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres
	Dir    string `toml:"dir"`    // sqlite data directory
	DSN    string `toml:"dsn"`    // postgres connection string
}

// EngineConfig tunes the engagement engine.
type EngineConfig struct {
	RulesFile      string `toml:"rules_file"` // empty = embedded catalog
	MaxCASAttempts int    `toml:"max_cas_attempts"`
	Parallelism    int    `toml:"parallelism"`
}

// JobsConfig schedules the background jobs. An empty interval disables
// that job.
type JobsConfig struct {
	Enabled         bool   `toml:"enabled"`
	ExpiryInterval  string `toml:"expiry_interval"`
	FlashInterval   string `toml:"flash_interval"`
	AlertInterval   string `toml:"alert_interval"`
	ArchiveInterval string `toml:"archive_interval"`
}

// AlertsConfig controls outbound alert delivery. Without a Redis address
// alerts are written to the log.
type AlertsConfig struct {
	RedisAddr string `toml:"redis_addr"`
	Channel   string `toml:"channel"`
	DedupTTL  string `toml:"dedup_ttl"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

// TelemetryConfig controls the metrics endpoint.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a working single-node configuration.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8087,
			RequestTimeout: "30s",
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Dir:    gamifyHome(),
		},
		Engine: EngineConfig{
			MaxCASAttempts: 5,
			Parallelism:    8,
		},
		Jobs: JobsConfig{
			Enabled:         true,
			ExpiryInterval:  "10m",
			FlashInterval:   "5m",
			AlertInterval:   "1m",
			ArchiveInterval: "24h",
		},
		Alerts: AlertsConfig{
			Channel:  "gamify:alerts",
			DedupTTL: "24h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// LoadConfig reads .env, then the TOML file at path (default
// $GAMIFY_HOME/config.toml), then GAMIFY_* environment overrides.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("[config] .env: %v", err)
	}
	if path == "" {
		path = filepath.Join(gamifyHome(), "config.toml")
	}
	return LoadConfigFile(path)
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overlays GAMIFY_* variables.
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"GAMIFY_API_HOST":        &cfg.API.Host,
		"GAMIFY_STORAGE_DRIVER":  &cfg.Storage.Driver,
		"GAMIFY_STORAGE_DIR":     &cfg.Storage.Dir,
		"GAMIFY_STORAGE_DSN":     &cfg.Storage.DSN,
		"GAMIFY_RULES_FILE":      &cfg.Engine.RulesFile,
		"GAMIFY_REDIS_ADDR":      &cfg.Alerts.RedisAddr,
		"GAMIFY_ALERTS_CHANNEL":  &cfg.Alerts.Channel,
		"GAMIFY_LOG_LEVEL":       &cfg.Logging.Level,
		"GAMIFY_LOG_FORMAT":      &cfg.Logging.Format,
		"GAMIFY_REQUEST_TIMEOUT": &cfg.API.RequestTimeout,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GAMIFY_API_PORT":         &cfg.API.Port,
		"GAMIFY_MAX_CAS_ATTEMPTS": &cfg.Engine.MaxCASAttempts,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv("GAMIFY_JOBS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GAMIFY_JOBS_ENABLED: %w", err)
		}
		cfg.Jobs.Enabled = b
	}
	return nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Dir == "" {
			return errors.New("config: storage.dir is required for sqlite")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("config: api.port %d out of range", c.API.Port)
	}
	for name, v := range map[string]string{
		"api.request_timeout":   c.API.RequestTimeout,
		"jobs.expiry_interval":  c.Jobs.ExpiryInterval,
		"jobs.flash_interval":   c.Jobs.FlashInterval,
		"jobs.alert_interval":   c.Jobs.AlertInterval,
		"jobs.archive_interval": c.Jobs.ArchiveInterval,
		"alerts.dedup_ttl":      c.Alerts.DedupTTL,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("config: %s: invalid duration %q", name, v)
		}
	}
	return nil
}

// gamifyHome returns the gamify data directory.
func gamifyHome() string {
	if env := os.Getenv("GAMIFY_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gamify")
}

// GamifyHome is exported for use by other packages.
func GamifyHome() string {
	return gamifyHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
