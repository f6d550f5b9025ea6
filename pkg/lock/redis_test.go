package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockExclusiveUntilExpiry(t *testing.T) {
	now := time.Unix(100, 0)
	l := NewLocalLock()
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	ok, err := l.Lock(ctx, "student:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.Lock(ctx, "student:1", time.Minute)
	assert.False(t, ok)

	ok, _ = l.Lock(ctx, "student:2", time.Minute)
	assert.True(t, ok, "different keys do not contend")

	now = now.Add(2 * time.Minute)
	ok, _ = l.Lock(ctx, "student:1", time.Minute)
	assert.True(t, ok, "expired lock can be retaken")

	require.NoError(t, l.Unlock(ctx, "student:1"))
	ok, _ = l.Lock(ctx, "student:1", time.Minute)
	assert.True(t, ok)
}

func TestRedisLockUnlockWithoutHoldIsNoop(t *testing.T) {
	l := NewRedisLock(nil)
	assert.NoError(t, l.Unlock(context.Background(), "never-taken"))
	assert.Equal(t, "lock:k", lockKey("k"))
}
