// Package config loads server configuration: defaults, then an optional
// YAML file, then CORDGUARD_* environment variables, then validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cordguard/cordguard/internal/hasher"
	"github.com/cordguard/cordguard/internal/intake"
	"github.com/cordguard/cordguard/internal/objectstore"
)

// Config is the complete server configuration.
type Config struct {
	Listen    Listen   `yaml:"listen"`
	PublicURL string   `yaml:"public_url"`
	Store     Store    `yaml:"store"`
	Identity  Identity `yaml:"identity"`
	Storage   Storage  `yaml:"storage"`
	Intake    Intake   `yaml:"intake"`
	Missions  Missions `yaml:"missions"`
	Log       Log      `yaml:"log"`
}

type Listen struct {
	HTTP string `yaml:"http"`
	GRPC string `yaml:"grpc"`
}

// Store selects the persistence backend.
type Store struct {
	Driver        string `yaml:"driver"` // sqlite, mysql or redis
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// Identity names the Ed25519 key pair in PEM form.
type Identity struct {
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
}

type Storage struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`  // none, lz4 or zstd
	AgeIdentity string `yaml:"age_identity"` // optional
}

type Intake struct {
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	Digest         string `yaml:"digest"` // sha256 or blake3
	HashWorkers    int    `yaml:"hash_workers"`
}

// Missions configures the stalled mission reaper. A zero ReclaimAfter
// disables it.
type Missions struct {
	ReclaimAfter    time.Duration `yaml:"reclaim_after"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Listen:    Listen{HTTP: ":8080", GRPC: ":50051"},
		PublicURL: "http://localhost:8080",
		Store: Store{
			Driver:      "sqlite",
			DSN:         "cordguard.db",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "cordguard",
		},
		Identity: Identity{
			PrivateKey: "keys/private.pem",
			PublicKey:  "keys/public.pem",
		},
		Storage: Storage{Dir: "./data", Compression: "zstd"},
		Intake: Intake{
			MaxUploadBytes: intake.DefaultMaxBytes,
			Digest:         string(hasher.SHA256),
			HashWorkers:    5,
		},
		Missions: Missions{ReclaimInterval: time.Minute},
		Log:      Log{Level: "info"},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"CORDGUARD_HTTP_ADDR":           &c.Listen.HTTP,
		"CORDGUARD_GRPC_ADDR":           &c.Listen.GRPC,
		"CORDGUARD_PUBLIC_URL":          &c.PublicURL,
		"CORDGUARD_STORE_DRIVER":        &c.Store.Driver,
		"CORDGUARD_STORE_DSN":           &c.Store.DSN,
		"CORDGUARD_REDIS_ADDR":          &c.Store.RedisAddr,
		"CORDGUARD_REDIS_PASSWORD":      &c.Store.RedisPassword,
		"CORDGUARD_REDIS_PREFIX":        &c.Store.RedisPrefix,
		"CORDGUARD_PRIVATE_KEY":         &c.Identity.PrivateKey,
		"CORDGUARD_PUBLIC_KEY":          &c.Identity.PublicKey,
		"CORDGUARD_STORAGE_DIR":         &c.Storage.Dir,
		"CORDGUARD_STORAGE_COMPRESSION": &c.Storage.Compression,
		"CORDGUARD_AGE_IDENTITY":        &c.Storage.AgeIdentity,
		"CORDGUARD_DIGEST":              &c.Intake.Digest,
		"CORDGUARD_LOG_LEVEL":           &c.Log.Level,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	if v := getenv("CORDGUARD_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CORDGUARD_REDIS_DB: %w", err)
		}
		c.Store.RedisDB = n
	}
	if v := getenv("CORDGUARD_HASH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: CORDGUARD_HASH_WORKERS: %w", err)
		}
		c.Intake.HashWorkers = n
	}
	if v := getenv("CORDGUARD_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: CORDGUARD_MAX_UPLOAD_BYTES: %w", err)
		}
		c.Intake.MaxUploadBytes = n
	}
	if v := getenv("CORDGUARD_RECLAIM_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CORDGUARD_RECLAIM_AFTER: %w", err)
		}
		c.Missions.ReclaimAfter = d
	}
	if v := getenv("CORDGUARD_RECLAIM_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CORDGUARD_RECLAIM_INTERVAL: %w", err)
		}
		c.Missions.ReclaimInterval = d
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for driver redis")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Identity.PrivateKey == "" || c.Identity.PublicKey == "" {
		return fmt.Errorf("identity.private_key and identity.public_key are required")
	}

	u, err := url.Parse(c.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("public_url %q must be an absolute http(s) URL", c.PublicURL)
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if _, err := objectstore.ParseCompression(c.Storage.Compression); err != nil {
		return err
	}
	if _, err := hasher.ParseAlgorithm(c.Intake.Digest); err != nil {
		return err
	}
	if c.Intake.MaxUploadBytes <= 0 {
		return fmt.Errorf("intake.max_upload_bytes must be positive")
	}
	if c.Intake.HashWorkers < 1 {
		return fmt.Errorf("intake.hash_workers must be at least 1")
	}

	if c.Missions.ReclaimAfter < 0 {
		return fmt.Errorf("missions.reclaim_after must not be negative")
	}
	if c.Missions.ReclaimAfter > 0 && c.Missions.ReclaimInterval <= 0 {
		return fmt.Errorf("missions.reclaim_interval must be positive when reclaim is enabled")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses Level ("debug", "info", "warn" or "error").
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}
