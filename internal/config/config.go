// Package config loads fieldcalc service and CLI settings from YAML, a .env
// file and FIELDCALC_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// MaxFileSize caps the size of a configuration file.
const MaxFileSize = 1 << 20

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Mode is the gin mode: debug, release or test.
	Mode string `yaml:"mode"`
	// AllowOrigins enables CORS for these browser origins; "*" allows any.
	AllowOrigins []string `yaml:"allow_origins"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	// MaxRetries bounds optimistic transaction retries on conflict.
	MaxRetries int `yaml:"max_retries"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

type EngineConfig struct {
	FormulaCacheSize int    `yaml:"formula_cache_size"`
	PhoneRegion      string `yaml:"phone_region"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", Mode: "release"},
		Store:  StoreConfig{Path: "data/fieldcalc", MaxRetries: 5},
		Log:    LogConfig{Level: "info", Format: "json"},
		Engine: EngineConfig{FormulaCacheSize: 512, PhoneRegion: "US"},
	}
}

// Load reads path (optional; "" skips the file), then a .env file in the
// working directory if present, then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		if info.Size() > MaxFileSize {
			return cfg, fmt.Errorf("config %s: file is %d bytes, limit is %d", path, info.Size(), MaxFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("FIELDCALC_ADDR", &cfg.Server.Addr)
	str("FIELDCALC_GIN_MODE", &cfg.Server.Mode)
	str("FIELDCALC_STORE_PATH", &cfg.Store.Path)
	str("FIELDCALC_LOG_LEVEL", &cfg.Log.Level)
	str("FIELDCALC_LOG_FORMAT", &cfg.Log.Format)
	str("FIELDCALC_PHONE_REGION", &cfg.Engine.PhoneRegion)
	if v := os.Getenv("FIELDCALC_CORS_ORIGINS"); v != "" {
		cfg.Server.AllowOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.AllowOrigins = append(cfg.Server.AllowOrigins, o)
			}
		}
	}
	return errors.Join(
		boolean("FIELDCALC_STORE_IN_MEMORY", &cfg.Store.InMemory),
		boolean("FIELDCALC_STORE_SYNC_WRITES", &cfg.Store.SyncWrites),
		integer("FIELDCALC_STORE_MAX_RETRIES", &cfg.Store.MaxRetries),
		integer("FIELDCALC_FORMULA_CACHE_SIZE", &cfg.Engine.FormulaCacheSize),
	)
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is empty and store.in_memory is false"))
	}
	if c.Store.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("store.max_retries must be positive, got %d", c.Store.MaxRetries))
	}
	if c.Engine.FormulaCacheSize < 1 {
		errs = append(errs, fmt.Errorf("engine.formula_cache_size must be positive, got %d", c.Engine.FormulaCacheSize))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
