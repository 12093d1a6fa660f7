package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbPingTimeout       = 3 * time.Second
	dbInitialBackoff    = 250 * time.Millisecond
	dbMaxBackoff        = 5 * time.Second
	dbDefaultConnectMax = 30 * time.Second
)

// NewDBPool builds a pgxpool and waits until the database accepts a
// connection, retrying with exponential backoff for up to cfg.DBConnectTimeout.
// A malformed URL fails immediately.
func NewDBPool(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database url: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("app: create pool: %w", err)
	}

	strategy := backoff.WithContext(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(dbInitialBackoff),
			backoff.WithMaxInterval(dbMaxBackoff),
			backoff.WithMaxElapsedTime(nonZeroDuration(cfg.DBConnectTimeout, dbDefaultConnectMax)),
		),
		ctx,
	)
	err = backoff.RetryNotify(func() error {
		return PingDB(ctx, pool, dbPingTimeout)
	}, strategy, func(err error, next time.Duration) {
		log.Warn("db.connect.retry", "err", err, "next_in", next)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: database unreachable: %w", err)
	}
	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
