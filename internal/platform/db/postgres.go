package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	minPoolConns      = 4
	maxConnLifetime   = 30 * time.Minute
	healthCheckPeriod = time.Minute
)

// New opens and pings the pgx pool backing the billing store. Repository
// calls are short-lived, so the pool favors connection reuse over size; DSN
// settings win over the defaults applied here.
func New(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if config.MinConns == 0 {
		config.MinConns = minPoolConns
	}
	if config.MaxConnLifetime == 0 {
		config.MaxConnLifetime = maxConnLifetime
	}
	config.HealthCheckPeriod = healthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
