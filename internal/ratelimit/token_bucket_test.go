package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewTokenBucket(defaultLimits(), 100, clock.Now)
	ctx := context.Background()

	for i := range 10 {
		res, err := b.IsAllowed(ctx, "k", 1)
		require.NoError(t, err)
		require.Truef(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 9-i, res.Remaining)
	}

	res, err := b.IsAllowed(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	// 60 per minute refills one token per second.
	clock.Advance(time.Second)
	res, err = b.IsAllowed(ctx, "k", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucket_RetryScalesWithCost(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewTokenBucket(defaultLimits(), 100, clock.Now)
	ctx := context.Background()

	res, err := b.IsAllowed(ctx, "k", 10)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.Equal(t, 10*time.Second, res.ResetTime.Sub(clock.Now()))

	res, err = b.IsAllowed(ctx, "k", 5)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 5*time.Second, res.RetryAfter)
}

func TestTokenBucket_CostAboveBurstNeverAllowed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewTokenBucket(defaultLimits(), 100, clock.Now)

	res, err := b.IsAllowed(context.Background(), "k", 11)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 10, res.Remaining)
}
