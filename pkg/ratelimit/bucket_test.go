package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketStartsFull(t *testing.T) {
	b := NewTokenBucket(10, 1)
	assert.InDelta(t, 10, b.Available(), 0.01)
}

func TestTokenBucketTryConsume(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		take     []int
		want     []bool
	}{
		{
			name:     "consumes up to capacity",
			capacity: 3,
			take:     []int{1, 1, 1, 1},
			want:     []bool{true, true, true, false},
		},
		{
			name:     "rejects oversized request",
			capacity: 2,
			take:     []int{3},
			want:     []bool{false},
		},
		{
			name:     "partial then refused",
			capacity: 5,
			take:     []int{4, 2},
			want:     []bool{true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Zero rate so no refill interferes.
			b := NewTokenBucket(tt.capacity, 0)
			for i, n := range tt.take {
				assert.Equal(t, tt.want[i], b.TryConsume(n), "take %d", i)
			}
		})
	}
}

func TestTokenBucketRefillCappedAtCapacity(t *testing.T) {
	b := NewTokenBucket(5, 1000)
	require.True(t, b.TryConsume(5))

	time.Sleep(50 * time.Millisecond)
	// 1000/s for 50ms would be 50 tokens; capacity caps it at 5.
	assert.LessOrEqual(t, b.Available(), 5.0)
	assert.Greater(t, b.Available(), 4.0)
}

func TestTokenBucketConservation(t *testing.T) {
	// Consumption over a window never exceeds capacity + elapsed*rate.
	const capacity = 10
	const rate = 100.0

	b := NewTokenBucket(capacity, rate)
	start := time.Now()
	consumed := 0
	for time.Since(start) < 100*time.Millisecond {
		if b.TryConsume(1) {
			consumed++
		}
	}
	elapsed := time.Since(start).Seconds()
	budget := float64(capacity) + elapsed*rate
	assert.LessOrEqual(t, float64(consumed), budget+1)
}

func TestTokenBucketReturn(t *testing.T) {
	b := NewTokenBucket(5, 0)
	require.True(t, b.TryConsume(5))
	assert.False(t, b.TryConsume(1))

	b.Return(2)
	assert.True(t, b.TryConsume(2))
	assert.False(t, b.TryConsume(1))

	// Refunds never exceed capacity.
	b.Return(100)
	assert.InDelta(t, 5, b.Available(), 0.01)
}

func TestTokenBucketWaitForTokens(t *testing.T) {
	b := NewTokenBucket(1, 50)
	require.True(t, b.TryConsume(1))

	start := time.Now()
	err := b.WaitForTokens(context.Background(), 1)
	require.NoError(t, err)
	// One token at 50/s refills in 20ms.
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenBucketWaitForTokensCanceled(t *testing.T) {
	b := NewTokenBucket(1, 0.001)
	require.True(t, b.TryConsume(1))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := b.WaitForTokens(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketWaitHint(t *testing.T) {
	b := NewTokenBucket(10, 2)
	assert.Equal(t, time.Duration(0), b.WaitHint(5))

	require.True(t, b.TryConsume(10))
	// 4 missing tokens at 2/s is 2s.
	hint := b.WaitHint(4)
	assert.InDelta(t, 2*time.Second, hint, float64(100*time.Millisecond))
}
