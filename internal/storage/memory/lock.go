package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
)

var (
	_ order.Locker             = (*Locker)(nil)
	_ payment.IdempotencyStore = (*IdempotencyStore)(nil)
)

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// Locker is a keyed mutex over order ids. Waiting honors ctx.
type Locker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[uuid.UUID]*lockEntry)}
}

func (l *Locker) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.unref(id, e)
		})
	}, nil
}

func (l *Locker) unref(id uuid.UUID, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// Len returns the number of ids currently locked or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

type keyEntry struct {
	owner     uuid.UUID
	expiresAt time.Time
}

// IdempotencyStore keeps client idempotency keys in memory for a TTL.
type IdempotencyStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]keyEntry
	now  func() time.Time
}

// NewIdempotencyStore returns a store that forgets keys after ttl.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		ttl:  ttl,
		keys: make(map[string]keyEntry),
		now:  time.Now,
	}
}

func (s *IdempotencyStore) Claim(_ context.Context, key string, paymentID uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.keys[key]; ok && now.Before(e.expiresAt) {
		return e.owner, false, nil
	}
	s.keys[key] = keyEntry{owner: paymentID, expiresAt: now.Add(s.ttl)}
	s.sweep(now)
	return paymentID, true, nil
}

func (s *IdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// sweep drops expired keys; s.mu must be held.
func (s *IdempotencyStore) sweep(now time.Time) {
	for k, e := range s.keys {
		if !now.Before(e.expiresAt) {
			delete(s.keys, k)
		}
	}
}
