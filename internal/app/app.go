package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"sitetrack/internal/config"
	"sitetrack/internal/db"
	"sitetrack/internal/engine"
	"sitetrack/internal/events"
	"sitetrack/internal/logging"
	"sitetrack/internal/migrate"
	"sitetrack/internal/notify"
	"sitetrack/internal/repo"
	"sitetrack/internal/store"
)

type Options struct {
	Workspace string
	// Config overrides the workspace sitetrack.yml when set.
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
	// Samples seeds the demo projects when the project list is empty.
	Samples bool
}

// App holds the opened workspace. Close releases the store and database.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Store  store.Store
	Engine engine.Engine
	Logger *zap.Logger
}

// Open loads config, opens the configured backend, seeds missing defaults
// and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger)
	a := &App{Config: cfg, Logger: logger}

	switch cfg.Storage.Backend {
	case config.BackendRedis:
		rs := store.NewRedis(store.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Storage.Redis.Addr, err)
		}
		a.Store = rs
	default:
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.MigrateContext(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = conn
		a.Store = store.NewSQLite(conn)
	}

	r := repo.Repo{Store: a.Store, Now: opts.Now}
	if err := Seed(ctx, r, cfg); err != nil {
		a.Close()
		return nil, err
	}
	tbl, err := r.LoadStatusTable(ctx, cfg.Statuses.Fallback)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load status definitions: %w", err)
	}
	r.Statuses = tbl

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if len(cfg.Webhooks) > 0 {
		notifiers = append(notifiers, notify.Webhook{Hooks: cfg.Webhooks, Client: &http.Client{Timeout: notify.DefaultTimeout}})
	}
	eng, err := engine.New(r, engine.Options{
		Events:   events.Writer{DB: a.DB, Now: opts.Now},
		Notifier: notifiers,
		Logger:   logger,
		Now:      opts.Now,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = eng

	if opts.Samples {
		if err := SeedSamples(ctx, r); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// Seed writes the config's status definitions, users and settings for any
// record the store does not have yet. Existing records are left alone.
func Seed(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if _, err := r.GetStatusDefinitions(ctx); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := r.PutStatusDefinitions(ctx, cfg.Statuses.Definitions); err != nil {
			return fmt.Errorf("seed status definitions: %w", err)
		}
	}
	if _, err := r.GetSettings(ctx); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := r.PutSettings(ctx, cfg.Settings); err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
	}
	users, err := r.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 && len(cfg.Users) > 0 {
		if err := r.PutUsers(ctx, append(cfg.Users[:0:0], cfg.Users...)); err != nil {
			return fmt.Errorf("seed users: %w", err)
		}
	}
	return nil
}
