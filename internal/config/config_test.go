package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cordguard.yaml")
	yml := `
listen:
  http: ":9000"
public_url: https://cordguard.example
store:
  driver: redis
  redis_addr: redis:6379
  redis_prefix: cg
storage:
  dir: /var/lib/cordguard
  compression: lz4
intake:
  digest: blake3
missions:
  reclaim_after: 30m
  reclaim_interval: 1m
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CORDGUARD_HTTP_ADDR", ":9100")
	t.Setenv("CORDGUARD_REDIS_DB", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.HTTP != ":9100" {
		t.Errorf("env did not override listen.http: %q", cfg.Listen.HTTP)
	}
	if cfg.Listen.GRPC != ":50051" {
		t.Errorf("default listen.grpc lost: %q", cfg.Listen.GRPC)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.RedisAddr != "redis:6379" || cfg.Store.RedisDB != 3 || cfg.Store.RedisPrefix != "cg" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Storage.Compression != "lz4" || cfg.Intake.Digest != "blake3" {
		t.Errorf("storage = %+v intake = %+v", cfg.Storage, cfg.Intake)
	}
	if cfg.Missions.ReclaimAfter != 30*time.Minute || cfg.Missions.ReclaimInterval != time.Minute {
		t.Errorf("missions = %+v", cfg.Missions)
	}
	lvl, err := cfg.Log.SlogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("log level = %v, %v", lvl, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("CORDGUARD_RECLAIM_AFTER", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "CORDGUARD_RECLAIM_AFTER") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":    func(c *Config) { c.Store.Driver = "postgres" },
		"mysql without dsn": func(c *Config) { c.Store.Driver, c.Store.DSN = "mysql", "" },
		"redis without addr": func(c *Config) {
			c.Store.Driver, c.Store.RedisAddr = "redis", ""
		},
		"relative public url": func(c *Config) { c.PublicURL = "/objects" },
		"missing key":         func(c *Config) { c.Identity.PublicKey = "" },
		"bad compression":     func(c *Config) { c.Storage.Compression = "brotli" },
		"bad digest":          func(c *Config) { c.Intake.Digest = "md5" },
		"no hash workers":     func(c *Config) { c.Intake.HashWorkers = 0 },
		"reclaim no interval": func(c *Config) {
			c.Missions.ReclaimAfter, c.Missions.ReclaimInterval = time.Minute, 0
		},
		"bad log level": func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", name)
			}
		})
	}
}
