package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	first := NewRedisLock(client, "sweep", time.Minute)
	second := NewRedisLock(client, "sweep", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be re-acquired")

	require.NoError(t, first.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released lock is free")
}

func TestReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	owner := NewRedisLock(client, "sync", time.Minute)
	intruder := NewRedisLock(client, "sync", time.Minute)

	ok, err := owner.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A different instance releasing is a no-op: the owner's value differs.
	require.NoError(t, intruder.Release(ctx))

	ok, err = intruder.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "owner still holds the lock")
}

func TestExtendKeepsLockAlive(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	lock := NewRedisLock(client, "job", time.Second)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Extend(ctx, time.Minute))

	mr.FastForward(5 * time.Second)

	other := NewRedisLock(client, "job", time.Second)
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "extended lock survives the original TTL")
}
