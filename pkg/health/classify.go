package health

import (
	"time"

	"github.com/versemarket/keeperd/pkg/types"
)

// Thresholds bound the healthy and degraded bands of a keeper's
// heartbeat.
type Thresholds struct {
	// DegradedAfter is the heartbeat age past which a keeper counts as
	// degraded.
	DegradedAfter time.Duration
	// FailedAfter is the heartbeat age past which a keeper counts as
	// failed.
	FailedAfter time.Duration
	// MaxErrorRate is the error rate above which a keeper counts as
	// degraded.
	MaxErrorRate float64
	// MaxLatencyMs is the reported latency above which a keeper counts
	// as degraded.
	MaxLatencyMs float64
}

// DefaultThresholds returns the fleet defaults: degraded between 15
// and 30 seconds of heartbeat silence, failed past 30, degraded above
// 10% errors or 5 s latency.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedAfter: 15 * time.Second,
		FailedAfter:   30 * time.Second,
		MaxErrorRate:  0.1,
		MaxLatencyMs:  5000,
	}
}

// Classify grades one keeper's heartbeat at the given instant. A nil
// heartbeat, or one older than FailedAfter, is failed. A heartbeat in
// the degraded age band, or carrying a high error rate or latency, is
// degraded. Everything else is healthy.
func Classify(hb *types.Heartbeat, now time.Time, t Thresholds) types.HealthLevel {
	if hb == nil {
		return types.HealthFailed
	}
	age := now.Sub(time.UnixMilli(hb.TS))
	switch {
	case age > t.FailedAfter:
		return types.HealthFailed
	case age > t.DegradedAfter:
		return types.HealthDegraded
	case hb.ErrorRate() > t.MaxErrorRate:
		return types.HealthDegraded
	case hb.LatencyMs > t.MaxLatencyMs:
		return types.HealthDegraded
	default:
		return types.HealthHealthy
	}
}

// Score grades a keeper for failover promotion. Higher is better:
// 100 minus penalties for error rate, latency, and queued workload.
// The latency penalty is capped at 50 points, the workload penalty at
// 20.
func Score(hb *types.Heartbeat) float64 {
	if hb == nil {
		return 0
	}
	score := 100.0
	score -= 100 * hb.ErrorRate()
	score -= min(50, hb.LatencyMs/100)
	score -= min(20, float64(hb.QueueDepth)/10)
	return score
}
