// Package postgres provides the Postgres-backed coordination store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/store"
)

// Config controls the Postgres connection pool and queue policy.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// RetryBudget is the number of failed claims after which a task is FAILED.
	// Zero or less disables the budget.
	RetryBudget int
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it too.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// Store implements harvest.CoordinationStore and store.QueryRepository on Postgres.
// Timestamps come from the database clock so every worker shares one notion of now.
type Store struct {
	pool        pool
	ids         harvest.IDGenerator
	retryBudget int
}

var (
	_ harvest.CoordinationStore = (*Store)(nil)
	_ store.QueryRepository     = (*Store)(nil)
)

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config, ids harvest.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, ids, cfg.RetryBudget)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, ids harvest.IDGenerator, retryBudget int) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Store{pool: p, ids: ids, retryBudget: retryBudget}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
