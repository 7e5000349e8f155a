// Package config loads service configuration from the environment, with an
// optional TOML defaults file at $XDG_CONFIG_HOME/lakesync/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Side names one of the two storage roots the engine coordinates between.
type Side string

const (
	Local Side = "local"
	Lake  Side = "lake"
)

// Sides lists both sides in canonical order.
var Sides = []Side{Local, Lake}

// ParseSide validates a side name from API input.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case Local:
		return Local, nil
	case Lake:
		return Lake, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == Local {
		return Lake
	}
	return Local
}

// Config is the passive settings struct handed to every component.
type Config struct {
	LocalRoot        string
	LakeRoot         string
	LocalAllowDelete bool
	LakeAllowDelete  bool

	QueueConcurrency int
	QueueRetryCount  int

	HashAlgo    string
	HashWorkers int

	AppDataDir string

	Host string
	Port int
}

// Root returns the absolute root path for a side.
func (c Config) Root(s Side) string {
	if s == Local {
		return c.LocalRoot
	}
	return c.LakeRoot
}

// AllowDeleteFromSync reports whether sync-path deletes are permitted on a
// side. Dedupe-path deletes are always permitted.
func (c Config) AllowDeleteFromSync(s Side) bool {
	if s == Local {
		return c.LocalAllowDelete
	}
	return c.LakeAllowDelete
}

// fileDefaults holds the optional TOML defaults file. Pointer fields
// distinguish "absent" from zero values.
type fileDefaults struct {
	LocalModelsRoot  *string `toml:"local_models_root"`
	LakeModelsRoot   *string `toml:"lake_models_root"`
	LocalAllowDelete *bool   `toml:"local_allow_delete"`
	LakeAllowDelete  *bool   `toml:"lake_allow_delete"`
	QueueConcurrency *int    `toml:"queue_concurrency"`
	QueueRetryCount  *int    `toml:"queue_retry_count"`
	HashAlgo         *string `toml:"hash_algo"`
	HashWorkers      *int    `toml:"hash_workers"`
	AppDataDir       *string `toml:"app_data_dir"`
	Host             *string `toml:"host"`
	Port             *int    `toml:"port"`
}

// DefaultsPath returns the resolved path to the optional defaults file.
func DefaultsPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "lakesync", "config.toml")
}

func loadDefaults() (fileDefaults, error) {
	path := DefaultsPath()
	if path == "" {
		return fileDefaults{}, nil
	}
	var d fileDefaults
	if _, err := toml.DecodeFile(path, &d); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileDefaults{}, nil
		}
		return fileDefaults{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return d, nil
}

// Load builds a Config from environment variables layered over the
// defaults file. Missing or malformed required settings return an error.
func Load() (Config, error) {
	defaults, err := loadDefaults()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		QueueConcurrency: 1,
		QueueRetryCount:  3,
		HashAlgo:         "blake3",
		HashWorkers:      2,
		Host:             "127.0.0.1",
		Port:             8420,
	}

	cfg.LocalRoot = stringSetting("LOCAL_MODELS_ROOT", defaults.LocalModelsRoot, cfg.LocalRoot)
	cfg.LakeRoot = stringSetting("LAKE_MODELS_ROOT", defaults.LakeModelsRoot, cfg.LakeRoot)
	cfg.AppDataDir = stringSetting("APP_DATA_DIR", defaults.AppDataDir, cfg.AppDataDir)
	cfg.HashAlgo = stringSetting("HASH_ALGO", defaults.HashAlgo, cfg.HashAlgo)
	cfg.Host = stringSetting("HOST", defaults.Host, cfg.Host)

	if cfg.LocalAllowDelete, err = boolSetting("LOCAL_ALLOW_DELETE", defaults.LocalAllowDelete, false); err != nil {
		return Config{}, err
	}
	if cfg.LakeAllowDelete, err = boolSetting("LAKE_ALLOW_DELETE", defaults.LakeAllowDelete, false); err != nil {
		return Config{}, err
	}
	if cfg.QueueConcurrency, err = intSetting("QUEUE_CONCURRENCY", defaults.QueueConcurrency, cfg.QueueConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.QueueRetryCount, err = intSetting("QUEUE_RETRY_COUNT", defaults.QueueRetryCount, cfg.QueueRetryCount); err != nil {
		return Config{}, err
	}
	if cfg.HashWorkers, err = intSetting("HASH_WORKERS", defaults.HashWorkers, cfg.HashWorkers); err != nil {
		return Config{}, err
	}
	if cfg.Port, err = intSetting("PORT", defaults.Port, cfg.Port); err != nil {
		return Config{}, err
	}

	if cfg.AppDataDir == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return Config{}, fmt.Errorf("resolve app data dir: %w", homeErr)
		}
		cfg.AppDataDir = filepath.Join(home, ".lakesync")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that make the service unable to start.
func (c Config) Validate() error {
	if c.LocalRoot == "" {
		return errors.New("LOCAL_MODELS_ROOT is required")
	}
	if c.LakeRoot == "" {
		return errors.New("LAKE_MODELS_ROOT is required")
	}
	for _, root := range []string{c.LocalRoot, c.LakeRoot} {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("models root %s: %w", root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("models root %s is not a directory", root)
		}
	}
	if filepath.Clean(c.LocalRoot) == filepath.Clean(c.LakeRoot) {
		return errors.New("local and lake roots must differ")
	}
	if c.HashAlgo != "blake3" {
		return fmt.Errorf("unsupported HASH_ALGO %q (only blake3)", c.HashAlgo)
	}
	if c.QueueConcurrency < 1 {
		return errors.New("QUEUE_CONCURRENCY must be >= 1")
	}
	if c.QueueRetryCount < 0 {
		return errors.New("QUEUE_RETRY_COUNT must be >= 0")
	}
	if c.HashWorkers < 1 {
		return errors.New("HASH_WORKERS must be >= 1")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	return nil
}

// EnsureAppDataDir creates the app data directory if needed.
func (c Config) EnsureAppDataDir() error {
	if err := os.MkdirAll(c.AppDataDir, 0755); err != nil {
		return fmt.Errorf("create app data dir %s: %w", c.AppDataDir, err)
	}
	return nil
}

// DBPath returns the SQLite database path inside the app data dir.
func (c Config) DBPath() string {
	return filepath.Join(c.AppDataDir, "lakesync.db")
}

func stringSetting(key string, def *string, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if def != nil {
		return *def
	}
	return fallback
}

func boolSetting(key string, def *bool, fallback bool) (bool, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		return b, nil
	}
	if def != nil {
		return *def, nil
	}
	return fallback, nil
}

func intSetting(key string, def *int, fallback int) (int, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
		return n, nil
	}
	if def != nil {
		return *def, nil
	}
	return fallback, nil
}
