package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
	"github.com/xenking/billing-core/internal/domain/receipt"
	"github.com/xenking/billing-core/internal/domain/vat"
	"github.com/xenking/billing-core/internal/seed"
	"github.com/xenking/billing-core/internal/storage/memory"
	"github.com/xenking/billing-core/internal/storage/postgres"
	"github.com/xenking/billing-core/internal/storage/redis"
	"github.com/xenking/billing-core/pkg/health"
)

// backends are the storage ports the domain services are built on.
type backends struct {
	orders    order.Repository
	payments  payment.Repository
	directory order.Directory
	captured  order.PaymentLookup
	profiles  vat.ProfileResolver
	discounts discount.Repository
	receipts  receipt.Source
	locker    order.Locker
	keys      payment.IdempotencyStore

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects the configured storage, lock and idempotency
// backends and registers their readiness checks.
func openBackends(ctx context.Context, lg *zap.Logger, cfg *Config, hs *health.Health) (_ *backends, rerr error) {
	b := &backends{}
	defer func() {
		if rerr != nil {
			b.Close()
		}
	}()

	var pgStore *postgres.Store
	switch cfg.Storage {
	case StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		b.closers = append(b.closers, pool.Close)
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return nil, errors.Wrap(err, "run migrations")
		}
		hs.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))

		pgStore = postgres.NewStore(pool)
		dir := pgStore.Directory()
		b.orders = pgStore.Orders()
		b.payments = pgStore.Payments()
		b.directory = dir
		b.captured = dir
		b.profiles = dir
		b.discounts = pgStore.Discounts()
		b.receipts = pgStore.Receipts()
	case StorageMemory:
		st := memory.NewStore()
		data, err := seed.Default()
		if err != nil {
			return nil, errors.Wrap(err, "load seed data")
		}
		if err := seed.Apply(ctx, seed.Memory{Store: st}, data); err != nil {
			return nil, errors.Wrap(err, "seed memory store")
		}
		lg.Warn("Using in-memory storage; data is lost on restart")

		b.orders = st.Orders()
		b.payments = st.Payments()
		b.directory = st
		b.captured = st
		b.profiles = st
		b.discounts = st
		b.receipts = st
	}

	if pgStore != nil {
		b.keys = pgStore.IdempotencyKeys(cfg.Payments.IdempotencyTTL)
	} else {
		b.keys = memory.NewIdempotencyStore(cfg.Payments.IdempotencyTTL)
	}
	switch cfg.Lock {
	case LockMemory:
		b.locker = memory.NewLocker()
	case LockPostgres:
		b.locker = pgStore.Locker()
	case LockRedis:
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, errors.Wrap(err, "connect redis")
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		hs.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		b.locker = redis.NewLocker(client, cfg.Redis.LockTTL)
		// Keys must be visible to every instance that shares the lock.
		b.keys = redis.NewIdempotencyStore(client, cfg.Payments.IdempotencyTTL)
	}
	return b, nil
}
