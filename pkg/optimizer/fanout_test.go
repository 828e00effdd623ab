package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFanOutClampsConcurrency(t *testing.T) {
	assert.Equal(t, 1, NewFanOut(0).concurrency)
	assert.Equal(t, 1, NewFanOut(-3).concurrency)
	assert.Equal(t, 5, NewFanOut(5).concurrency)
	assert.Equal(t, 10, NewFanOut(50).concurrency)
}

func TestFetchGroupedChunksPerGroup(t *testing.T) {
	ids := make([]string, 0, 120)
	for i := 0; i < 70; i++ {
		ids = append(ids, fmt.Sprintf("a-%d", i))
	}
	for i := 0; i < 50; i++ {
		ids = append(ids, fmt.Sprintf("b-%d", i))
	}

	var mu sync.Mutex
	var chunks [][]string
	err := NewFanOut(3).FetchGrouped(context.Background(), ids,
		func(id string) string { return id[:1] },
		func(ctx context.Context, chunk []string) error {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	// Group a (70 ids) splits into 50+20; group b (50) is one chunk.
	require.Len(t, chunks, 3)
	seen := make(map[string]bool)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), chunkSize)
		group := chunk[0][:1]
		for _, id := range chunk {
			assert.Equal(t, group, id[:1], "a chunk must not mix groups")
			seen[id] = true
		}
	}
	assert.Len(t, seen, 120, "every id fetched exactly once")
}

func TestFetchGroupedBoundsConcurrency(t *testing.T) {
	ids := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		ids = append(ids, fmt.Sprintf("g%d-%d", i%10, i))
	}

	var inFlight, peak atomic.Int32
	err := NewFanOut(3).FetchGrouped(context.Background(), ids,
		func(id string) string { return id[:2] },
		func(ctx context.Context, chunk []string) error {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestFetchGroupedCollectsErrors(t *testing.T) {
	boom := errors.New("chunk failed")
	var calls atomic.Int32
	err := NewFanOut(2).FetchGrouped(context.Background(),
		[]string{"a-1", "b-1", "c-1"},
		func(id string) string { return id[:1] },
		func(ctx context.Context, chunk []string) error {
			calls.Add(1)
			if chunk[0] == "b-1" {
				return boom
			}
			return nil
		})
	require.ErrorIs(t, err, boom)
	// A failing chunk does not stop the others.
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchGroupedEmpty(t *testing.T) {
	err := NewFanOut(5).FetchGrouped(context.Background(), nil,
		func(id string) string { return id },
		func(ctx context.Context, chunk []string) error {
			t.Fatal("fetch must not run for an empty id set")
			return nil
		})
	require.NoError(t, err)
}
