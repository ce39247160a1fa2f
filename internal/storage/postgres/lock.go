package postgres

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/order"
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1)`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1)`

	minRetryWait  = 5 * time.Millisecond
	maxRetryWait  = 200 * time.Millisecond
	unlockTimeout = 5 * time.Second
)

var _ order.Locker = (*Locker)(nil)

// Locker serializes work on an order across instances with a session-level
// advisory lock. The connection holding the lock is kept out of the pool
// until release; waiters poll with backoff.
type Locker struct {
	pool *pgxpool.Pool
}

// NewLocker returns a Locker that uses the given pool.
func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

// lockKey folds an order id into the 64-bit advisory lock key space.
func lockKey(id uuid.UUID) int64 {
	return int64(binary.BigEndian.Uint64(id[:8]) ^ binary.BigEndian.Uint64(id[8:]))
}

func (l *Locker) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	key := lockKey(id)
	wait := minRetryWait
	for {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "acquire connection")
		}
		var locked bool
		if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&locked); err != nil {
			conn.Release()
			return nil, errors.Wrapf(err, "lock order %s", id)
		}
		if locked {
			return l.releaser(ctx, conn, id, key), nil
		}
		// Waiters give their connection back so the holder can make progress.
		conn.Release()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait = min(2*wait, maxRetryWait)
	}
}

func (l *Locker) releaser(ctx context.Context, conn *pgxpool.Conn, id uuid.UUID, key int64) func() {
	lg := zctx.From(ctx)
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if _, err := conn.Exec(ctx, advisoryUnlockSQL, key); err != nil {
				lg.Warn("Advisory unlock failed", zap.Stringer("order_id", id), zap.Error(err))
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}
}
