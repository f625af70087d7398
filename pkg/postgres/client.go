// Package postgres wraps database/sql with connection pooling, transaction
// helpers, and automatic retry of serialization conflicts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/config"
	"github.com/pkgdepot/pkgdepot/pkg/resilience"
)

type Client struct {
	DB  *sql.DB
	cfg config.PostgresConfig
}

func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db, cfg: cfg}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// Ping verifies the connection, for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// InTx runs fn inside a single transaction, rolling back on error.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return c.inTx(ctx, nil, fn)
}

// InTxWithRetry runs fn inside a serializable transaction and retries the
// whole transaction with backoff when Postgres reports a serialization
// failure or deadlock. fn must therefore be safe to re-run.
func (c *Client) InTxWithRetry(ctx context.Context, attempts int, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	err := resilience.Retry(ctx, "pg-tx", resilience.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		txErr := c.inTx(ctx, opts, fn)
		if txErr != nil && !IsSerializationError(txErr) {
			return resilience.Permanent(txErr)
		}
		return txErr
	})
	if err != nil && IsSerializationError(err) {
		return fmt.Errorf("%w: %v", pkgerrors.ErrTxConflict, err)
	}
	return err
}

func (c *Client) inTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// IsSerializationError reports whether err is a Postgres serialization
// failure (40001) or deadlock (40P01), i.e. an optimistic-conflict condition
// worth retrying.
func IsSerializationError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
