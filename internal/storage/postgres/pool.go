// Package postgres implements the billing repositories on PostgreSQL.
package postgres

import (
	"context"
	"io/fs"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgerrcode"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/xenking/billing-core/db"
	"github.com/xenking/billing-core/internal/domain/fault"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := fs.Sub(db.Migrations, db.MigrationsDir)
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer func() { _ = sqlDB.Close() }()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations)
	if err != nil {
		return errors.Wrap(err, "create migration provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

// Store groups every repository over a single pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store on pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool, e.g. for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Orders() *OrderRepository { return &OrderRepository{pool: s.pool} }

func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{pool: s.pool} }

func (s *Store) Directory() *Directory { return &Directory{pool: s.pool} }

func (s *Store) Discounts() *DiscountRepository { return &DiscountRepository{pool: s.pool} }

func (s *Store) Receipts() *ReceiptSource { return &ReceiptSource{pool: s.pool} }

func (s *Store) Locker() *Locker { return &Locker{pool: s.pool} }

func (s *Store) IdempotencyKeys(ttl time.Duration) *IdempotencyStore {
	return NewIdempotencyStore(s.pool, ttl)
}

// mapWriteError translates constraint violations on insert into version
// conflicts, the same way a lost optimistic update is reported.
func mapWriteError(err error, entity string, id any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation, pgerrcode.SerializationFailure:
			return fault.VersionConflict(entity, id)
		case pgerrcode.ForeignKeyViolation:
			return &fault.Error{
				Kind:    fault.KindReferenceNotFound,
				Message: entity + " references a missing row: " + pgErr.ConstraintName,
			}
		}
	}
	return err
}
