package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxConns        int32
	ConnMaxLifetime time.Duration
}

// NewPostgres connects to PostgreSQL and applies pending migrations.
func NewPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &DB{
		db:      stdlib.OpenDBFromPool(pool),
		dialect: dialectPostgres,
		ping:    pool.Ping,
		closeFn: pool.Close,
	}
	if err := migrate(ctx, store.db, dialectPostgres); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}

	log.Info().Int32("max_conns", config.MaxConns).Msg("connected to PostgreSQL")
	return store, nil
}
