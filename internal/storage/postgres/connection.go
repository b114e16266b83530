package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/common"
)

const applicationName = "enrich"

// DB manages the Postgres connection pool backing the remote row store
type DB struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
}

// Open creates a pgx pool, verifies it with a ping and ensures the schema exists
func Open(ctx context.Context, logger arbor.ILogger, config *common.PostgresConfig) (*DB, error) {
	pc, err := poolConfig(config)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("host", pc.ConnConfig.Host).
		Str("database", pc.ConnConfig.Database).
		Int("max_conns", int(pc.MaxConns)).
		Msg("Connecting to Postgres row store")

	dialCtx, cancel := context.WithTimeout(ctx, common.ParseDuration(config.DialTimeout, 10*time.Second))
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create Postgres pool")
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		logger.Error().Err(err).Msg("Postgres ping failed")
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	db := &DB{pool: pool, logger: logger}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().Msg("Postgres row store connected")
	return db, nil
}

func poolConfig(config *common.PostgresConfig) (*pgxpool.Config, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}

	if config.MaxConns > 0 {
		pc.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		pc.MinConns = config.MinConns
	}
	pc.MaxConnLifetime = common.ParseDuration(config.MaxConnLifetime, 30*time.Minute)
	pc.MaxConnIdleTime = common.ParseDuration(config.MaxConnIdleTime, 5*time.Minute)
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	if timeout := common.ParseDuration(config.StatementTimeout, 0); timeout > 0 {
		// Postgres reads a bare integer as milliseconds
		pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(timeout.Milliseconds(), 10)
	}
	return pc, nil
}

// Pool returns the underlying pool
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Close closes the pool
func (d *DB) Close() error {
	if d.pool != nil {
		d.logger.Debug().Msg("Closing Postgres pool")
		d.pool.Close()
	}
	return nil
}
