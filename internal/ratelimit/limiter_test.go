package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	ctx := context.Background()

	token, ok, err := l.TryLockDigest(ctx, 1, "2024-06-03")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, l.ReleaseDigest(ctx, 1, "2024-06-03", token))

	res, err := l.AllowDigestTrigger(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLockerValidation(t *testing.T) {
	var unconfigured *Locker
	_, _, err := unconfigured.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, unconfigured.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewLocker(nil))
	assert.Nil(t, NewLimiter(nil))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, defaultBucketTTL(0, 5))
	assert.Equal(t, 4*time.Second, defaultBucketTTL(5, 10))
}

func TestCastHelpers(t *testing.T) {
	assert.Equal(t, int64(3), castToInt(int64(3)))
	assert.Equal(t, int64(2), castToInt(2.9))
	assert.Equal(t, 1.5, castToFloat("1.5"))
	assert.Equal(t, 0.0, castToFloat(struct{}{}))
}
