// Package app wires a workspace into a ready engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"journalflow/internal/config"
	"journalflow/internal/db"
	"journalflow/internal/engine"
	"journalflow/internal/migrate"
	"journalflow/internal/notify"
	"journalflow/internal/repo"
	"journalflow/internal/storage"
)

// Runtime owns the resources behind an Engine.
type Runtime struct {
	Engine engine.Engine
	Config *config.Config
	conn   *sql.DB
	closer io.Closer
}

// Options selects the workspace and an optional config override.
type Options struct {
	Workspace string
	// ConfigFile overrides <workspace>/journalflow.yml.
	ConfigFile string
	// JournalID is used when no config exists yet.
	JournalID string
}

// Open migrates the workspace database, resolves config and builds the
// engine with the configured object store and notifier. The journal named by
// the config is created on first use.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := resolveConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	e.Storage = store
	notifier, err := notify.Open(cfg.Notify)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: %w", err)
	}
	e.Notifier = notifier
	if err := e.EnsureJournal(ctx, cfg.Journal.ID, cfg.Journal.Name); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure journal: %w", err)
	}
	rt := &Runtime{Engine: e, Config: cfg, conn: conn}
	if c, ok := notifier.(io.Closer); ok {
		rt.closer = c
	}
	log.Debug().
		Str("journal", cfg.Journal.ID).
		Str("storage", cfg.Storage.Driver).
		Str("notify", cfg.Notify.Driver).
		Msg("runtime ready")
	return rt, nil
}

func resolveConfig(_ context.Context, opts Options) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.FromFile(opts.ConfigFile)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	journalID := opts.JournalID
	if journalID == "" {
		journalID = "default"
	}
	return config.Default(journalID), nil
}

// Repo returns a repository over the runtime's database.
func (r *Runtime) Repo() repo.Repo {
	return r.Engine.Repo
}

func (r *Runtime) Close() error {
	var errs []error
	if r.closer != nil {
		errs = append(errs, r.closer.Close())
	}
	if r.conn != nil {
		errs = append(errs, r.conn.Close())
	}
	return errors.Join(errs...)
}
