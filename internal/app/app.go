// Package app wires configuration, storage and the engines into the set of
// components the CLI commands and the server run.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"suasflow/internal/automation"
	"suasflow/internal/config"
	"suasflow/internal/db"
	"suasflow/internal/domain"
	"suasflow/internal/engine"
	"suasflow/internal/lock"
	"suasflow/internal/logging"
	"suasflow/internal/metrics"
	"suasflow/internal/migrate"
	"suasflow/internal/notify"
	"suasflow/internal/repo"
	"suasflow/internal/scheduler"
)

const serviceName = "suas"

// Options select the workspace and config file. Viper carries flag and
// SUAS_* environment overrides.
type Options struct {
	Workspace  string
	ConfigPath string
	Viper      *viper.Viper
}

// App holds the wired components. Close releases them.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	Locker     lock.Locker
	Referrals  engine.Engine
	Automation automation.Engine

	closers []func() error
}

// LoadConfig reads the config file (explicit path first, then the workspace
// suas.yml, then defaults) and applies overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("")
	}
	cfg.Overlay(opts.Viper)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Build opens and migrates the workspace database and wires the engines.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Log: log, Metrics: metrics.New()}
	a.closers = append(a.closers, conn.Close)
	if _, err := migrate.Up(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	locker, closeLock, err := NewLocker(ctx, cfg.Lock)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Locker = locker
	a.closers = append(a.closers, closeLock)

	a.Repo = repo.Repo{DB: conn}
	a.Referrals = engine.New(conn, cfg)
	a.Referrals.Metrics = a.Metrics
	a.Referrals.Log = log.Named("referrals")
	a.Automation = automation.New(a.Repo, cfg)
	a.Automation.Locker = locker
	a.Automation.Metrics = a.Metrics
	a.Automation.Log = log.Named("automation")
	return a, nil
}

// NewLocker returns the rule lock described by cfg and a function releasing
// its resources.
func NewLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func() error, error) {
	switch cfg.Backend {
	case "", "local":
		return lock.NewLocal(), func() error { return nil }, nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis lock %s: %w", cfg.Redis.Addr, err)
		}
		return &lock.Redis{Client: client, Prefix: cfg.Redis.Prefix, TTL: cfg.TTL()}, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// Scope is the municipality-wide scope of the workspace.
func (a *App) Scope() domain.Scope {
	return domain.Scope{MunicipalityID: a.Config.Scope.MunicipalityID}
}

// UnitScopes returns the municipality scope followed by one scope per
// configured unit.
func (a *App) UnitScopes() []domain.Scope {
	scopes := []domain.Scope{a.Scope()}
	for _, u := range a.Config.Scope.Units {
		if u == "" {
			continue
		}
		scopes = append(scopes, domain.Scope{MunicipalityID: a.Config.Scope.MunicipalityID, UnitID: u})
	}
	return scopes
}

// Scheduler drives ExecuteDue over the municipality scope, which covers the
// rules of every unit.
func (a *App) Scheduler() scheduler.Scheduler {
	return scheduler.Scheduler{
		Exec:     a.Automation,
		Scopes:   []domain.Scope{a.Scope()},
		Interval: a.Config.Automation.PollInterval(),
		Log:      a.Log.Named("scheduler"),
		Metrics:  a.Metrics,
	}
}

// Dispatcher builds the event notifier. It has no sinks when none are
// configured.
func (a *App) Dispatcher() *notify.Dispatcher {
	sinks, closeFn := notify.FromConfig(a.Config.Notify)
	a.closers = append(a.closers, closeFn)
	d := &notify.Dispatcher{
		Source:         a.Repo,
		MunicipalityID: a.Config.Scope.MunicipalityID,
		Sinks:          sinks,
		Log:            a.Log.Named("notify"),
		Metrics:        a.Metrics,
	}
	if s := a.Config.Notify.IntervalSeconds; s > 0 {
		d.Interval = time.Duration(s) * time.Second
	}
	return d
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return errors.Join(errs...)
}
