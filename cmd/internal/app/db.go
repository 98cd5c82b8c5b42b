package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"

	"secureapi/cmd/identity"
	"secureapi/cmd/internal/auth/session"
	"secureapi/cmd/internal/storage/migrations"
	"secureapi/cmd/internal/storage/sqlitedb"
)

// Backend names reported in logs and on /readyz.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// storage bundles the account and refresh-token stores of one database.
type storage struct {
	backend  string
	accounts identity.Store
	tokens   session.Store

	ping  func(ctx context.Context) error
	close func()
}

// openStorage picks Postgres when DatabaseURL is set and SQLite otherwise, and
// applies pending migrations either way.
func openStorage(ctx context.Context, cfg Config, log Logger) (*storage, error) {
	if cfg.DatabaseURL == "" {
		return openSQLite(ctx, cfg, log)
	}
	return openPostgres(ctx, cfg, log)
}

func openSQLite(ctx context.Context, cfg Config, log Logger) (*storage, error) {
	db, err := sqlitedb.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return sqliteStorage(db, log, func() { _ = db.Close() })
}

func sqliteStorage(db *sql.DB, log Logger, closeFn func()) (*storage, error) {
	accounts, err := identity.NewSQLiteStore(db)
	if err != nil {
		closeFn()
		return nil, err
	}
	log.Info("db.enabled", "backend", BackendSQLite)
	return &storage{
		backend:  BackendSQLite,
		accounts: accounts,
		tokens:   session.NewSQLiteStore(db),
		ping:     db.PingContext,
		close:    closeFn,
	}, nil
}

func openPostgres(ctx context.Context, cfg Config, log Logger) (*storage, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	version, err := migrations.Up(ctx, db, migrations.Postgres)
	if err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}

	accounts, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		_ = db.Close()
		pool.Close()
		return nil, err
	}

	log.Info("db.enabled", "backend", BackendPostgres, "schema", cfg.DBSchema, "migration_version", version)
	return &storage{
		backend:  BackendPostgres,
		accounts: accounts,
		tokens:   session.NewPostgresStore(pool),
		ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		},
		close: func() {
			_ = db.Close()
			pool.Close()
		},
	}, nil
}

// NewDBPool builds a pgxpool whose search_path is cfg.DBSchema and validates
// connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: database url: %v", ErrConfig, err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	if cfg.DBSchema != "" {
		pcfg.ConnConfig.RuntimeParams["search_path"] = cfg.DBSchema
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	// The database often starts alongside the server; give it a few seconds.
	backoff := retry.WithMaxRetries(5, retry.NewExponential(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := PingDB(ctx, pool, 3*time.Second); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
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
