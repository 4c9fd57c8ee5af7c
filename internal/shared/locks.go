package shared

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OrderLockKey builds the critical-section key for an order mutation.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("order:%d:lock", orderID)
}

// DeliveryLockKey builds the critical-section key for delivery writes. It is
// distinct from OrderLockKey: delivery syncs run while the order mutation
// lock is already held, and the keyed mutex is not reentrant.
func DeliveryLockKey(orderID int64) string {
	return fmt.Sprintf("delivery:order:%d:lock", orderID)
}

// InvoiceLockKey builds the critical-section key for invoice ledger writes.
func InvoiceLockKey(invoiceID int64) string {
	return fmt.Sprintf("invoice:%d:lock", invoiceID)
}

// InvoiceGenLockKey guards invoice generation for one order.
func InvoiceGenLockKey(orderID int64) string {
	return fmt.Sprintf("invoice:order:%d:gen", orderID)
}

// KeyedMutex serializes work per entity identifier. Different keys proceed
// in parallel; the same key queues.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex constructs an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key and returns its release function.
func (m *KeyedMutex) Lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// DocumentLock is a redis-backed lock used as a cross-instance critical
// section. The store's uniqueness constraints stay authoritative; this only
// narrows the race window between processes.
type DocumentLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDocumentLock constructs a DocumentLock. TTL bounds how long a crashed
// holder can wedge the key.
func NewDocumentLock(client *redis.Client, ttl time.Duration) *DocumentLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &DocumentLock{client: client, ttl: ttl}
}

const lockRetryInterval = 25 * time.Millisecond

// Acquire blocks until the key is held or ctx expires. The returned release
// function deletes the key only if this caller still owns it.
func (l *DocumentLock) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire lock %s: %v", ErrStoreUnavailable, key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: acquire lock %s: %v", ErrStoreUnavailable, key, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}

	release := func() {
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		_ = l.client.Eval(context.Background(), script, []string{key}, token).Err()
	}
	return release, nil
}
