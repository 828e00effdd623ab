package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/versemarket/keeperd/pkg/types"
)

func hbAt(now time.Time, age time.Duration) *types.Heartbeat {
	return &types.Heartbeat{TS: now.Add(-age).UnixMilli(), Processed: 100}
}

func TestClassify(t *testing.T) {
	// Millisecond-aligned so heartbeat timestamps round-trip exactly.
	now := time.UnixMilli(time.Now().UnixMilli())
	th := DefaultThresholds()

	tests := []struct {
		name string
		hb   *types.Heartbeat
		want types.HealthLevel
	}{
		{"missing", nil, types.HealthFailed},
		{"fresh", hbAt(now, time.Second), types.HealthHealthy},
		{"aging", hbAt(now, 20*time.Second), types.HealthDegraded},
		{"expired", hbAt(now, 31*time.Second), types.HealthFailed},
		{"boundary healthy", hbAt(now, 15*time.Second), types.HealthHealthy},
		{"boundary degraded", hbAt(now, 30*time.Second), types.HealthDegraded},
		{
			"erroring",
			&types.Heartbeat{TS: now.UnixMilli(), Processed: 100, Errors: 20},
			types.HealthDegraded,
		},
		{
			"slow",
			&types.Heartbeat{TS: now.UnixMilli(), Processed: 100, LatencyMs: 6000},
			types.HealthDegraded,
		},
		{
			"busy but fine",
			&types.Heartbeat{TS: now.UnixMilli(), Processed: 1000, Errors: 50, LatencyMs: 900},
			types.HealthHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.hb, now, th))
		})
	}
}

func TestScore(t *testing.T) {
	assert.Equal(t, 0.0, Score(nil))

	perfect := &types.Heartbeat{Processed: 100}
	assert.InDelta(t, 100, Score(perfect), 1e-9)

	// 10% errors, 1 s latency, 50 queued: 100 - 10 - 10 - 5.
	loaded := &types.Heartbeat{Processed: 100, Errors: 10, LatencyMs: 1000, QueueDepth: 50}
	assert.InDelta(t, 75, Score(loaded), 1e-9)

	// Latency and workload penalties are capped at 50 and 20.
	swamped := &types.Heartbeat{Processed: 100, LatencyMs: 60000, QueueDepth: 10000}
	assert.InDelta(t, 30, Score(swamped), 1e-9)
}

func TestScoreOrdersCandidates(t *testing.T) {
	better := &types.Heartbeat{Processed: 100, Errors: 1, LatencyMs: 200}
	worse := &types.Heartbeat{Processed: 100, Errors: 30, LatencyMs: 4000}
	assert.Greater(t, Score(better), Score(worse))
}
