package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "killswitch-control"

var (
	ErrNoDatabaseURL = errors.New("DATABASE_URL is required for the postgres store")
	ErrInsecureDB    = errors.New("DATABASE_REQUIRE_TLS=true but the connection may fall back to plaintext")
)

// pgConnector dials with bounded retries so the service can start before
// the database finishes booting.
type pgConnector struct {
	newPool     func(context.Context, *pgxpool.Config) (*pgxpool.Pool, error)
	attempts    int
	backoff     time.Duration
	pingTimeout time.Duration
}

var defaultConnector = pgConnector{
	newPool:     pgxpool.NewWithConfig,
	attempts:    30,
	backoff:     2 * time.Second,
	pingTimeout: 2 * time.Second,
}

// NewPostgresPool parses dsn, enforces TLS when asked, and returns a pool
// that has answered a ping.
func NewPostgresPool(ctx context.Context, dsn string, requireTLS bool) (*pgxpool.Pool, error) {
	cfg, err := postgresPoolConfig(dsn, requireTLS)
	if err != nil {
		return nil, err
	}
	return defaultConnector.connect(ctx, cfg)
}

func postgresPoolConfig(dsn string, requireTLS bool) (*pgxpool.Config, error) {
	if dsn == "" {
		return nil, ErrNoDatabaseURL
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if requireTLS && !tlsOnly(cfg.ConnConfig.Config) {
		return nil, ErrInsecureDB
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	return cfg, nil
}

// tlsOnly reports whether every connection attempt pgconn would make is
// encrypted. sslmode=prefer and allow add plaintext fallbacks.
func tlsOnly(c pgconn.Config) bool {
	if c.TLSConfig == nil {
		return false
	}
	for _, fb := range c.Fallbacks {
		if fb.TLSConfig == nil {
			return false
		}
	}
	return true
}

func (c pgConnector) connect(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := wait(ctx, c.backoff); err != nil {
				return nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool, err := c.newPool(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		pool.Close()
		lastErr = err
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", c.attempts, lastErr)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
