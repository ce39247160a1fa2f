// Package redis implements order locks and client idempotency keys on Redis,
// for deployments that run more than one API instance.
package redis

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
)

const (
	lockPrefix = "billing:lock:order:"
	keyPrefix  = "billing:idempotency:"

	minRetryWait  = 5 * time.Millisecond
	maxRetryWait  = 200 * time.Millisecond
	unlockTimeout = 5 * time.Second
)

var (
	_ order.Locker             = (*Locker)(nil)
	_ payment.IdempotencyStore = (*IdempotencyStore)(nil)
)

// unlockScript deletes the lock only if it is still held by the caller.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient connects to Redis at addr and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

// Locker is a distributed keyed lock over order ids. A lock expires after
// ttl if its holder disappears, so ttl must exceed the longest critical
// section (the processor timeout included).
type Locker struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewLocker returns a Locker whose locks expire after ttl.
func NewLocker(client goredis.UniversalClient, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

func (l *Locker) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	key := lockPrefix + id.String()
	token := uuid.NewString()
	wait := minRetryWait
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "lock order %s", id)
		}
		if ok {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		wait = min(2*wait, maxRetryWait)
	}

	lg := zctx.From(ctx)
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if err := unlockScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				lg.Warn("Order unlock failed", zap.Stringer("order_id", id), zap.Error(err))
			}
		})
	}, nil
}

// IdempotencyStore keeps client idempotency keys in Redis for a TTL.
type IdempotencyStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewIdempotencyStore returns a store that forgets keys after ttl.
func NewIdempotencyStore(client goredis.UniversalClient, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, paymentID uuid.UUID) (uuid.UUID, bool, error) {
	k := keyPrefix + key
	for {
		ok, err := s.client.SetNX(ctx, k, paymentID.String(), s.ttl).Result()
		if err != nil {
			return uuid.Nil, false, errors.Wrapf(err, "claim key %q", key)
		}
		if ok {
			return paymentID, true, nil
		}

		owner, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, goredis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return uuid.Nil, false, errors.Wrapf(err, "get owner of key %q", key)
		}
		id, err := uuid.Parse(owner)
		if err != nil {
			return uuid.Nil, false, errors.Wrapf(err, "parse owner of key %q", key)
		}
		return id, false, nil
	}
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return errors.Wrapf(err, "release key %q", key)
	}
	return nil
}
