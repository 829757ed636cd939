package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the server configuration. Layering: defaults < YAML file < PBAC_* environment.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Bundles BundleConfig  `mapstructure:"bundles"`
	Log     LogConfig     `mapstructure:"log"`
	// SeedFile is applied with ApplyConfig at startup (.yaml, .json or .pbac).
	SeedFile string `mapstructure:"seed_file"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the policy and user store backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

type AuditConfig struct {
	Sink string `mapstructure:"sink"` // memory, sql, jsonl
	Path string `mapstructure:"path"`
}

// RedisConfig enables RedisRoleDirectory when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type EngineConfig struct {
	CacheSize    int64         `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	BatchWorkers int           `mapstructure:"batch_workers"`
}

type BundleConfig struct {
	Path             string        `mapstructure:"path"`
	SigningKey       string        `mapstructure:"signing_key"` // base64 ed25519 key or seed
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // phuslu or slog
}

var configKeys = []string{
	"server.addr", "server.read_timeout", "server.write_timeout", "server.shutdown_timeout",
	"storage.driver", "storage.dsn",
	"audit.sink", "audit.path",
	"redis.url",
	"engine.cache_size", "engine.cache_ttl", "engine.batch_workers",
	"bundles.path", "bundles.signing_key", "bundles.rotation_interval",
	"log.level", "log.format",
	"seed_file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("audit.sink", "memory")
	v.SetDefault("audit.path", "./data/audit.jsonl")

	v.SetDefault("engine.cache_size", 10000)
	v.SetDefault("engine.cache_ttl", "30s")
	v.SetDefault("engine.batch_workers", 8)

	v.SetDefault("bundles.rotation_interval", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "phuslu")
}

// LoadConfig reads path (optional) and the PBAC_* environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pbac")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pbac")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("PBAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees env values for keys viper already knows about.
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %q: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}
	switch c.Audit.Sink {
	case "memory":
	case "sql":
		if c.Storage.Driver == "memory" {
			errs = append(errs, errors.New("audit.sink sql needs a sqlite or postgres storage.driver"))
		}
	case "jsonl":
		if c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path is required for the jsonl sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.sink %q is not one of memory, sql, jsonl", c.Audit.Sink))
	}
	if c.Engine.CacheSize < 0 {
		errs = append(errs, errors.New("engine.cache_size must not be negative"))
	}
	if c.Engine.BatchWorkers <= 0 {
		errs = append(errs, errors.New("engine.batch_workers must be positive"))
	}
	if c.Log.Format != "phuslu" && c.Log.Format != "slog" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of phuslu, slog", c.Log.Format))
	}
	return errors.Join(errs...)
}
