package ratelimit

import (
	"sync"
	"time"
)

// Adaptive backoff thresholds over the rolling window.
const (
	adaptiveWindow   = 60 * time.Second
	adaptiveCapacity = 1000

	backoffSevere   = 5 * time.Second
	backoffElevated = 2 * time.Second
	backoffCalm     = time.Second

	severeFailureRate   = 0.5
	elevatedFailureRate = 0.2
)

// outcome is one recorded downstream call.
type outcome struct {
	endpoint string
	ts       time.Time
	success  bool
}

// AdaptiveBackoff keeps a fixed-size ring of recent call outcomes and
// recommends a backoff based on the per-endpoint failure rate over the
// last 60 seconds.
type AdaptiveBackoff struct {
	mu   sync.Mutex
	ring []outcome
	next int
	size int
}

// NewAdaptiveBackoff creates an empty outcome log.
func NewAdaptiveBackoff() *AdaptiveBackoff {
	return &AdaptiveBackoff{
		ring: make([]outcome, adaptiveCapacity),
	}
}

// Record appends one call outcome, evicting the oldest when full.
func (a *AdaptiveBackoff) Record(endpoint string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ring[a.next] = outcome{endpoint: endpoint, ts: time.Now(), success: success}
	a.next = (a.next + 1) % len(a.ring)
	if a.size < len(a.ring) {
		a.size++
	}
}

// Recommended returns the backoff for an endpoint: 5 s when more than
// half the recent calls failed, 2 s above a fifth, 1 s otherwise.
func (a *AdaptiveBackoff) Recommended(endpoint string) time.Duration {
	rate := a.failureRate(endpoint, time.Now())
	switch {
	case rate > severeFailureRate:
		return backoffSevere
	case rate > elevatedFailureRate:
		return backoffElevated
	default:
		return backoffCalm
	}
}

// failureRate computes failed/total for the endpoint over the window.
// Zero when nothing was recorded.
func (a *AdaptiveBackoff) failureRate(endpoint string, now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := now.Add(-adaptiveWindow)
	total, failed := 0, 0
	for i := 0; i < a.size; i++ {
		o := a.ring[i]
		if o.endpoint != endpoint || o.ts.Before(cutoff) {
			continue
		}
		total++
		if !o.success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
