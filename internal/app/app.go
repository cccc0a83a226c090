// Package app assembles stores, queues and services from configuration for
// the server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	gormLogger "gorm.io/gorm/logger"

	"github.com/soaringjerry/aimaturity/internal/api"
	"github.com/soaringjerry/aimaturity/internal/config"
	dbstore "github.com/soaringjerry/aimaturity/internal/db"
	"github.com/soaringjerry/aimaturity/internal/jobs"
	"github.com/soaringjerry/aimaturity/internal/middleware"
	"github.com/soaringjerry/aimaturity/internal/report"
	"github.com/soaringjerry/aimaturity/internal/services"
)

type App struct {
	Config   *config.Config
	Store    api.Store
	Queue    jobs.Queue
	Services api.Services
	Runner   *jobs.Runner

	redis *redis.Client
}

// New opens the store and queue and builds every service. Workers are
// registered but not started.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: store}
	if err := a.openQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}
	mailer, err := NewMailer(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Services = api.NewServices(store, jobs.NewDispatcher(a.Queue), report.NewPDFRenderer(), mailer)
	a.Services.Assessments.SetRetention(cfg.RetentionPeriod)
	auth, err := services.NewAdminAuthService(cfg.AdminSecret, cfg.AdminSecretHash,
		middleware.AdminSigner([]byte(cfg.JWTSecret)), cfg.AdminTokenTTL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("admin auth: %w", err)
	}
	a.Services.AdminAuth = auth

	a.Runner = jobs.NewRunner(a.Queue, jobs.Options{
		Workers:     cfg.Report.Workers,
		Attempts:    cfg.Report.Attempts,
		BaseBackoff: cfg.Report.BaseBackoff,
		Timeout:     cfg.Report.Timeout,
	})
	jobs.RegisterReportHandlers(a.Runner, a.Services.Reports)
	return a, nil
}

// OpenStore returns the store selected by cfg.StoreDriver. A new SQLite
// database is filled from cfg.SnapshotPath when a snapshot exists.
func OpenStore(ctx context.Context, cfg *config.Config) (api.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		if cfg.SnapshotPath == "" {
			return api.NewMemoryStore(), nil
		}
		return api.NewMemoryStoreFromPath(cfg.SnapshotPath)
	case "sqlite":
		fresh, err := isNewFile(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		conn, err := dbstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := dbstore.RunMigrations(conn, cfg.MigrationsDir); err != nil {
			conn.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		store, err := dbstore.NewSQLiteStore(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if fresh {
			if err := ImportSnapshot(ctx, cfg.SnapshotPath, store); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	case "postgres":
		conn, err := dbstore.OpenPostgres(cfg.PostgresDSN, dbstore.NewGormLogger(gormLogger.Warn))
		if err != nil {
			return nil, err
		}
		store, err := dbstore.NewGormStore(conn)
		if err != nil {
			if sqlDB, dbErr := conn.DB(); dbErr == nil {
				sqlDB.Close()
			}
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.Config.QueueDriver {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.Config.RedisAddr,
			Password: a.Config.RedisPassword,
			DB:       a.Config.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		q := jobs.NewRedisQueue(a.redis, a.Config.RedisPrefix)
		n, err := q.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover redis jobs: %w", err)
		}
		if n > 0 {
			log.Printf("jobs: requeued %d interrupted jobs", n)
		}
		a.Queue = q
	default:
		a.Queue = jobs.NewMemoryQueue(256)
	}
	return nil
}

// NewMailer returns an SMTP mailer when a relay is configured and a logging
// mailer otherwise.
func NewMailer(cfg *config.Config) (services.Mailer, error) {
	if cfg.SMTP.Host == "" {
		log.Printf("mail: no smtp host configured, reports are logged only")
		return report.LogMailer{}, nil
	}
	m, err := report.NewSMTPMailer(report.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		TLS:      cfg.SMTP.TLS,
		Timeout:  cfg.SMTP.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("smtp mailer: %w", err)
	}
	return m, nil
}

// Close releases the queue, the redis client and the store.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
