// Package postgres implements the repository ports on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
	"github.com/Marketen/participation-indexer/internal/logger"
	"github.com/Marketen/participation-indexer/internal/retry"
)

// Executor is implemented by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps the connection pool shared by all repositories.
type Client struct {
	Pool *pgxpool.Pool
}

// PoolConfig defines connection pool settings.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the pool settings used unless overridden.
func DefaultPoolConfig(maxConns int32) PoolConfig {
	if maxConns <= 0 {
		maxConns = 20
	}
	return PoolConfig{
		MinConns:        2,
		MaxConns:        maxConns,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// New connects to dbURL, retrying with backoff until the server answers a ping, and
// creates the tables the repositories use.
func New(ctx context.Context, dbURL string, poolConf PoolConfig) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres url: %w", domain.ErrStore, err)
	}
	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime

	client := &Client{}
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), "Postgres connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("create postgres pool: %w", openErr)
		}
		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("ping postgres: %w", pingErr)
		}
		client.Pool = pool
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStore, err)
	}
	logger.Info("PostgreSQL pool ready (min %d, max %d conns)", poolConf.MinConns, poolConf.MaxConns)

	if err := client.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Store returns the repositories backed by this client.
func (c *Client) Store() ports.Store {
	return ports.Store{
		Epochs:       &EpochRepository{db: c.Pool},
		Validators:   &ValidatorRepository{db: c.Pool},
		Committees:   &CommitteeRepository{db: c.Pool},
		Attestations: &AttestationRepository{db: c.Pool},
		Proposers:    &ProposerRepository{db: c.Pool},
	}
}

// Close closes the connection pool.
func (c *Client) Close() {
	c.Pool.Close()
}

// storeErr wraps a driver error. pgx.ErrNoRows becomes domain.ErrNotFound.
func storeErr(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStore, what, err)
}

// sendBatch runs every statement of the batch and reports the first failure.
func sendBatch(ctx context.Context, db Executor, batch *pgx.Batch) error {
	br := db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch statement %d failed: %w", i, err)
		}
	}
	return nil
}
