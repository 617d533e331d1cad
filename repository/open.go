package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lifecycle "github.com/goliatone/go-lifecycle"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// Options control how the store is opened
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	Migrate      bool
}

// Open connects to postgres (pgx) or sqlite and optionally applies the
// embedded migrations. The caller owns the returned DB.
func Open(ctx context.Context, opts Options) (*bun.DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("database dsn is required")
	}

	var (
		sqldb *sql.DB
		db    *bun.DB
		err   error
	)

	switch opts.Driver {
	case lifecycle.DialectPostgres:
		sqldb, err = sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	case lifecycle.DialectSQLite:
		sqldb, err = sql.Open(sqliteshim.ShimName, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite serializes writers, a single connection avoids SQLITE_BUSY
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	if opts.MaxOpenConns > 0 && opts.Driver == lifecycle.DialectPostgres {
		sqldb.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}

	if opts.Driver == lifecycle.DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	}

	if opts.Migrate {
		if err := lifecycle.Migrate(ctx, sqldb, opts.Driver); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}
