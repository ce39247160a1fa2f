package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/payment"
)

const (
	// An existing row is taken over only once it has expired.
	claimKeySQL = `
INSERT INTO idempotency_keys (key, payment_id, expires_at)
VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
ON CONFLICT (key) DO UPDATE
    SET payment_id = EXCLUDED.payment_id, expires_at = EXCLUDED.expires_at
    WHERE idempotency_keys.expires_at <= now()
RETURNING payment_id`

	keyOwnerSQL = `SELECT payment_id FROM idempotency_keys WHERE key = $1 AND expires_at > now()`

	releaseKeySQL = `DELETE FROM idempotency_keys WHERE key = $1`

	sweepKeysSQL = `
DELETE FROM idempotency_keys
WHERE key IN (SELECT key FROM idempotency_keys WHERE expires_at <= now() LIMIT $1)`

	sweepBatch = 100
)

var _ payment.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps client idempotency keys in a table shared by every
// instance on the database.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewIdempotencyStore returns a store that forgets keys after ttl.
func NewIdempotencyStore(pool *pgxpool.Pool, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, ttl: ttl}
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, paymentID uuid.UUID) (uuid.UUID, bool, error) {
	for {
		var owner uuid.UUID
		err := s.pool.QueryRow(ctx, claimKeySQL, key, paymentID, s.ttl.Milliseconds()).Scan(&owner)
		if err == nil {
			s.sweep(ctx)
			return owner, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, errors.Wrapf(err, "claim key %q", key)
		}

		err = s.pool.QueryRow(ctx, keyOwnerSQL, key).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			// Released or expired between the two statements.
			continue
		}
		if err != nil {
			return uuid.Nil, false, errors.Wrapf(err, "get owner of key %q", key)
		}
		return owner, false, nil
	}
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, releaseKeySQL, key); err != nil {
		return errors.Wrapf(err, "release key %q", key)
	}
	return nil
}

// sweep drops a batch of expired keys. Failures only delay the cleanup.
func (s *IdempotencyStore) sweep(ctx context.Context) {
	if _, err := s.pool.Exec(ctx, sweepKeysSQL, sweepBatch); err != nil {
		zctx.From(ctx).Warn("Idempotency key sweep failed", zap.Error(err))
	}
}
