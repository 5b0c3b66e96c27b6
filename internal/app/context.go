// Package app wires a workspace into a ready engine: database, migrations,
// config, logger and the report locker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/poliarc/election-management-system-sub008/internal/config"
	"github.com/poliarc/election-management-system-sub008/internal/db"
	"github.com/poliarc/election-management-system-sub008/internal/engine"
	"github.com/poliarc/election-management-system-sub008/internal/lock"
	"github.com/poliarc/election-management-system-sub008/internal/logging"
	"github.com/poliarc/election-management-system-sub008/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigFile overrides <workspace>/ems.yml.
	ConfigFile string
	// LogLevel overrides log.level from config when set.
	LogLevel    string
	Development bool
}

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Log    *zap.Logger

	redis *redis.Client
}

// Open loads config (defaults when the file is absent), opens and migrates
// the database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	log := logging.New(logging.Options{Level: level, Development: opts.Development, File: cfg.Log.File})

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", zap.Strings("files", applied))
	}

	a := &App{DB: conn, Config: cfg, Log: log}
	a.Engine = engine.New(conn, cfg, log)
	if cfg.Lock.RedisAddr != "" {
		locker, rdb := lock.NewRedisLocker(cfg.Lock.RedisAddr, time.Duration(cfg.Lock.TTLSeconds)*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			conn.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Lock.RedisAddr, err)
		}
		a.redis = rdb
		a.Engine.Locker = locker
		log.Info("using redis report locks", zap.String("addr", cfg.Lock.RedisAddr))
	}
	return a, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.FromFile(opts.ConfigFile)
	}
	return config.LoadOptional(opts.Workspace)
}

func (a *App) Close() error {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.Log.Sync()
	return a.DB.Close()
}
