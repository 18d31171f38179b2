// Package postgres builds the pgx connection pool used by the run store and
// instruments every query with tracing, metrics and caller attribution.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 5 * time.Second

// PoolOption configures NewPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	maxConns int32
	slow     time.Duration
}

// WithMaxConns caps the pool size. Values below 1 keep the pgx default.
func WithMaxConns(n int32) PoolOption {
	return func(o *poolOptions) { o.maxConns = n }
}

// WithSlowQueryThreshold logs only successful queries at or above d.
// Failed queries are always logged.
func WithSlowQueryThreshold(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.slow = d }
}

// NewPool connects to databaseURL and verifies the connection.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	var o poolOptions
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	cfg.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(otelpgx.WithTrimSQLInSpanName()), o.slow)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
