package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// NewSQLite opens (creating if needed) the SQLite file at path and applies
// pending migrations.
func NewSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA synchronous = NORMAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite (%s): %w", pragma, err)
		}
	}
	store := &DB{db: db, dialect: dialectSQLite}
	if err := migrate(ctx, db, dialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	log.Info().Str("path", path).Msg("opened SQLite record store")
	return store, nil
}

// Options selects and configures a backend.
type Options struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Path     string
	Postgres PostgresOptions
}

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (*DB, error) {
	switch opts.Driver {
	case "", "sqlite":
		return NewSQLite(ctx, opts.Path)
	case "postgres":
		return NewPostgres(ctx, opts.DSN, opts.Postgres)
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}
