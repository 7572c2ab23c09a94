package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTryLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	h, err := l.TryLock(ctx, "rule-1")
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "rule-1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.TryLock(ctx, "rule-2")
	require.NoError(t, err)
	require.NoError(t, other.Unlock(ctx))

	require.NoError(t, h.Unlock(ctx))
	assert.ErrorIs(t, h.Unlock(ctx), ErrNotHeld)

	again, err := l.TryLock(ctx, "rule-1")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestLocalZeroValue(t *testing.T) {
	var l Local
	h, err := l.TryLock(context.Background(), "x")
	require.NoError(t, err)
	assert.NoError(t, h.Unlock(context.Background()))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, Redis{Client: client, Prefix: "suas:lock:", TTL: time.Minute}
}

func TestRedisTryLock(t *testing.T) {
	ctx := context.Background()
	mr, l := newRedis(t)

	h, err := l.TryLock(ctx, "rule-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("suas:lock:rule-1"))
	assert.Equal(t, time.Minute, mr.TTL("suas:lock:rule-1"))

	_, err = l.TryLock(ctx, "rule-1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, h.Unlock(ctx))
	assert.False(t, mr.Exists("suas:lock:rule-1"))
}

func TestRedisLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, l := newRedis(t)

	stale, err := l.TryLock(ctx, "rule-1")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	fresh, err := l.TryLock(ctx, "rule-1")
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Unlock(ctx), ErrNotHeld, "an expired holder must not release the new owner")
	assert.NoError(t, fresh.Unlock(ctx))
}
