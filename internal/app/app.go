// Package app wires the runtime: database, session store, runner,
// cascade workers, and the engine. Both the CLI and the HTTP server
// boot through here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"plotline/internal/cascade"
	"plotline/internal/config"
	"plotline/internal/db"
	"plotline/internal/engine"
	"plotline/internal/events"
	"plotline/internal/migrate"
	"plotline/internal/store"
)

// App holds the assembled runtime components.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Sessions store.Store
	Engine   *engine.Engine
	Cascade  *cascade.Engine
	Logger   *slog.Logger
}

// Open assembles an App from the workspace config. The cascade worker
// pool is started; call Close on shutdown.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(workspace)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	sessions, err := openStore(ctx, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, sessions, cfg)
	runner, err := buildRunner(cfg)
	if err != nil {
		sessions.Close()
		conn.Close()
		return nil, err
	}
	c := cascade.New(sessions, e.GraphFor, runner, cfg.Cascade.Workers, cfg.Cascade.QueueSize)
	c.Logger = logger
	writer := e.Events
	c.Events = func(ctx context.Context, evtType, projectID, entityID string, payload map[string]any) {
		if err := writer.AppendDirect(ctx, evtType, projectID, "session", entityID, "", events.EventPayload(payload)); err != nil {
			logger.Warn("event not recorded", "type", evtType, "error", err)
		}
	}
	c.Start(ctx)
	e.Cascade = c
	return &App{
		DB:       conn,
		Config:   cfg,
		Sessions: sessions,
		Engine:   e,
		Cascade:  c,
		Logger:   logger,
	}, nil
}

// Close stops the workers and releases the store and database.
func (a *App) Close() {
	if a.Cascade != nil {
		a.Cascade.Stop()
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	ttl := time.Duration(cfg.Session.TTLHours) * time.Hour
	switch cfg.Session.Store {
	case "redis":
		return store.NewRedis(ctx, cfg.Session.RedisURL, ttl)
	case "memory", "":
		return store.NewMemory(ttl), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}
}

func buildRunner(cfg *config.Config) (cascade.Runner, error) {
	switch cfg.Runner.Kind {
	case config.RunnerHTTP:
		if cfg.Runner.Endpoint == "" {
			return nil, fmt.Errorf("runner.endpoint is required for runner.kind=http")
		}
		return cascade.NewHTTPRunner(cfg.Runner.Endpoint, time.Duration(cfg.Runner.TimeoutSeconds)*time.Second), nil
	case config.RunnerStatic, "":
		return &cascade.StaticRunner{Clips: cfg.Runner.Clips}, nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", cfg.Runner.Kind)
	}
}
