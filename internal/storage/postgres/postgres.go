// Package postgres persists game results in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/jigsaw/internal/config"
)

// CheckTimeout bounds a single reachability check.
const CheckTimeout = 5 * time.Second

// Pool is the results database connection pool. Check logs every change
// between reachable and unreachable once, not on every poll.
type Pool struct {
	pool      *pgxpool.Pool
	logger    *zap.Logger
	reachable atomic.Bool
}

// NewPool connects to the results database described by cfg.
//
// Precondition: cfg must contain valid database connection parameters; logger must be non-nil.
// Postcondition: Returns a Pool that answered a ping, or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	start := time.Now()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	p := &Pool{
		pool: pool,
		logger: logger.With(
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("database", cfg.Name),
		),
	}
	p.reachable.Store(true)
	p.logger.Info("results database connected", zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

// Check pings the database, giving up after CheckTimeout.
//
// Postcondition: Returns nil if the database answered.
func (p *Pool) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()
	err := p.pool.Ping(ctx)

	ok := err == nil
	if p.reachable.Swap(ok) != ok {
		if ok {
			p.logger.Info("results database reachable again")
		} else {
			p.logger.Warn("results database unreachable", zap.Error(err))
		}
	}
	return err
}

// Close releases every pooled connection. Check fails afterwards.
func (p *Pool) Close() {
	p.pool.Close()
	p.logger.Info("results database pool closed")
}

// DB returns the underlying pgxpool.Pool.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
