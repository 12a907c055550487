// Package app builds the service graph from configuration. Nothing in it
// is global: every component is constructed here and passed down.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cordguard/cordguard/internal/analysis"
	"github.com/cordguard/cordguard/internal/config"
	"github.com/cordguard/cordguard/internal/files"
	"github.com/cordguard/cordguard/internal/hasher"
	"github.com/cordguard/cordguard/internal/hashpool"
	"github.com/cordguard/cordguard/internal/identity"
	"github.com/cordguard/cordguard/internal/intake"
	"github.com/cordguard/cordguard/internal/metrics"
	"github.com/cordguard/cordguard/internal/mission"
	"github.com/cordguard/cordguard/internal/objectstore"
	"github.com/cordguard/cordguard/internal/repository"
	"github.com/cordguard/cordguard/internal/workers"
)

// Context is the assembled service.
type Context struct {
	Config      *config.Config
	Logger      *slog.Logger
	Repo        repository.Repository
	Verifier    *identity.Verifier
	Pool        *hashpool.Pool
	Objects     *objectstore.Filesystem
	Coordinator *mission.Coordinator
	Intake      *intake.Service
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry

	closers []func() error
}

// Init opens the store, loads keys and wires every component. The hash
// pool is started; Close stops it and releases the store.
func Init(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Context, error) {
	alg, err := hasher.ParseAlgorithm(cfg.Intake.Digest)
	if err != nil {
		return nil, err
	}
	compression, err := objectstore.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}

	verifier, err := identity.Load(cfg.Identity.PrivateKey, cfg.Identity.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	objects, err := objectstore.NewFilesystem(objectstore.Options{
		Dir:             cfg.Storage.Dir,
		PublicURL:       cfg.PublicURL,
		Compression:     compression,
		AgeIdentityPath: cfg.Storage.AgeIdentity,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &Context{Config: cfg, Logger: logger, Verifier: verifier, Objects: objects}

	repo, closers, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.Repo = repo
	a.closers = closers

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	a.Pool = hashpool.NewPool(cfg.Intake.HashWorkers, alg, logger)
	a.Pool.Start()
	logger.Info("hash pool started", slog.Int("workers", cfg.Intake.HashWorkers), slog.String("digest", string(alg)))

	fileRegistry := files.NewRegistry(repo, alg, nil)
	analyses := analysis.NewStore(repo, nil)

	a.Coordinator = mission.NewCoordinator(mission.Deps{
		Files:    fileRegistry,
		Analyses: analyses,
		Workers:  workers.NewRegistry(repo, nil),
		Missions: repo,
		Results:  repo,
		Verifier: verifier,
		Metrics:  a.Metrics,
		Logger:   logger.With(slog.String("component", "mission")),
	})

	policy := intake.DefaultPolicy()
	policy.MaxBytes = cfg.Intake.MaxUploadBytes
	a.Intake = intake.NewService(intake.Deps{
		Pool:     a.Pool,
		Files:    fileRegistry,
		Analyses: analyses,
		Objects:  objects,
		Policy:   policy,
		Metrics:  a.Metrics,
		Logger:   logger.With(slog.String("component", "intake")),
	})
	return a, nil
}

// Reaper returns the stalled mission reaper, or nil when reclaim is off.
func (a *Context) Reaper() *mission.Reaper {
	m := a.Config.Missions
	if m.ReclaimAfter <= 0 {
		return nil
	}
	return mission.NewReaper(a.Coordinator, m.ReclaimAfter, m.ReclaimInterval, a.Logger.With(slog.String("component", "reaper")))
}

// Close drains the hash pool and releases the store.
func (a *Context) Close() error {
	if a.Pool != nil {
		a.Pool.Shutdown()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, sc config.Store, logger *slog.Logger) (repository.Repository, []func() error, error) {
	switch strings.ToLower(sc.Driver) {
	case "sqlite":
		repo, err := repository.OpenSQLite(sc.DSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store opened", slog.String("driver", "sqlite"), slog.String("dsn", sc.DSN))
		return repo, []func() error{repo.Close}, nil

	case "mysql":
		return openMySQL(ctx, sc.DSN, logger)

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     sc.RedisAddr,
			Password: sc.RedisPassword,
			DB:       sc.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("app: ping redis: %w", err)
		}
		repo := repository.NewRedisRepo(rdb, sc.RedisPrefix)
		logger.Info("store opened", slog.String("driver", "redis"), slog.String("addr", sc.RedisAddr))
		return repo, []func() error{repo.Close}, nil
	}
	return nil, nil, fmt.Errorf("app: unknown store driver %q", sc.Driver)
}

// openMySQL forces parseTime (DATETIME columns scan into time.Time) and
// clientFoundRows (an UPDATE that matches a row reports it even when no
// value changed).
func openMySQL(ctx context.Context, dsn string, logger *slog.Logger) (repository.Repository, []func() error, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("app: mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.ClientFoundRows = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("app: open mysql: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("app: ping mysql: %w", err)
	}
	if err := repository.Migrate(pingCtx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	repo, err := repository.NewMySQLRepo(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("app: %w", err)
	}
	logger.Info("store opened", slog.String("driver", "mysql"), slog.String("addr", mc.Addr), slog.String("database", mc.DBName))
	return repo, []func() error{db.Close, repo.Close}, nil
}
