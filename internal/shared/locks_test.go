package shared

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()

	const workers = 50
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(OrderLockKey(1))
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, workers, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()

	unlockA := m.Lock(OrderLockKey(1))
	defer unlockA()

	// A different key must not block.
	done := make(chan struct{})
	go func() {
		unlockB := m.Lock(OrderLockKey(2))
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
}

func TestKeyedMutexReleasesMapEntries(t *testing.T) {
	m := NewKeyedMutex()
	for i := 0; i < 10; i++ {
		unlock := m.Lock(InvoiceLockKey(int64(i)))
		unlock()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks, "released keys must not leak")
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestDocumentLockMutualExclusion(t *testing.T) {
	client := newTestRedis(t)
	lock := NewDocumentLock(client, time.Second)
	ctx := context.Background()

	release, err := lock.Acquire(ctx, InvoiceGenLockKey(1))
	require.NoError(t, err)

	// Second acquire must wait until release.
	acquired := make(chan struct{})
	go func() {
		release2, err := lock.Acquire(ctx, InvoiceGenLockKey(1))
		if err == nil {
			release2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock never handed over")
	}
}

func TestDocumentLockDistinctKeys(t *testing.T) {
	client := newTestRedis(t)
	lock := NewDocumentLock(client, time.Second)
	ctx := context.Background()

	release1, err := lock.Acquire(ctx, InvoiceGenLockKey(1))
	require.NoError(t, err)
	defer release1()

	release2, err := lock.Acquire(ctx, InvoiceGenLockKey(2))
	require.NoError(t, err)
	release2()
}

func TestDocumentLockContextCancellation(t *testing.T) {
	client := newTestRedis(t)
	lock := NewDocumentLock(client, time.Minute)

	release, err := lock.Acquire(context.Background(), OrderLockKey(1))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, OrderLockKey(1))
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestDocumentLockUnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	lock := NewDocumentLock(client, time.Second)

	_, err := lock.Acquire(context.Background(), OrderLockKey(1))
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
