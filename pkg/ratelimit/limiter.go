package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
)

// Fn is the wrapped downstream call. It is invoked at most maxRetries+1
// times and shares one bucket token across all attempts.
type Fn func(ctx context.Context) (any, error)

// Request priorities. Any int works; higher runs first.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 8
	PriorityCritical = 10
)

// transientRetryDelay is the fixed pause before retrying a transient
// network error (rate limits use full jitter instead).
const transientRetryDelay = 500 * time.Millisecond

// Limiter polices outbound provider calls with per-class token buckets,
// a priority queue for deferred calls, and a retry loop with full
// jitter.
type Limiter struct {
	tierName   string
	tier       config.TierLimits
	maxRetries int
	baseDelay  time.Duration

	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	emergency bool

	queue   *PriorityQueue
	queueCh chan struct{}

	backoff *AdaptiveBackoff
	monitor *ComplianceMonitor

	logger    zerolog.Logger
	drainCtx  context.Context
	drainStop context.CancelFunc
	stopCh    chan struct{}
}

// New creates a limiter for the configured tier. backoff and monitor
// may be nil.
func New(cfg config.LimiterConfig, backoff *AdaptiveBackoff, monitor *ComplianceMonitor) (*Limiter, error) {
	tier, err := config.TierFor(cfg.Tier)
	if err != nil {
		return nil, err
	}

	drainCtx, drainStop := context.WithCancel(context.Background())
	l := &Limiter{
		tierName:   cfg.Tier,
		tier:       tier,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay.D(),
		queue:      NewPriorityQueue(),
		queueCh:    make(chan struct{}, 1),
		backoff:    backoff,
		monitor:    monitor,
		logger:     log.WithComponent("ratelimit"),
		drainCtx:   drainCtx,
		drainStop:  drainStop,
		stopCh:     make(chan struct{}),
	}
	if l.baseDelay <= 0 {
		l.baseDelay = time.Second
	}
	l.buckets = buildBuckets(tier, cfg.EmergencyMode)
	l.emergency = cfg.EmergencyMode
	return l, nil
}

func buildBuckets(tier config.TierLimits, emergency bool) map[string]*TokenBucket {
	buckets := make(map[string]*TokenBucket, len(tier))
	for class, rc := range tier {
		rate, burst := rc.Rate, rc.Burst
		if emergency {
			rate /= 2
			burst /= 2
			if burst < 1 {
				burst = 1
			}
		}
		perSecond := float64(rate) / rc.Per.Seconds()
		buckets[class] = NewTokenBucket(burst, perSecond)
	}
	return buckets
}

// ClassForEndpoint maps an endpoint path to its rate-limit class.
// Unknown endpoints share the markets bucket.
func ClassForEndpoint(endpoint string) string {
	path := strings.TrimPrefix(endpoint, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		path = path[:i]
	}
	switch path {
	case config.ClassOrders:
		return config.ClassOrders
	case config.ClassResolutions:
		return config.ClassResolutions
	default:
		return config.ClassMarkets
	}
}

// Start launches the queue drainer.
func (l *Limiter) Start() {
	go l.drain()
}

// Stop cancels the drainer and rejects everything still queued.
func (l *Limiter) Stop() {
	close(l.stopCh)
	l.drainStop()
	l.queue.Drain(ErrQueueClosed)
	metrics.LimiterQueueDepth.Set(0)
}

// Execute runs fn under the endpoint's class bucket. With a token in
// hand it runs inline; otherwise the call is queued until the drainer
// can serve it. One token covers the call including its retries.
func (l *Limiter) Execute(ctx context.Context, endpoint string, priority int, fn Fn) (any, error) {
	class := ClassForEndpoint(endpoint)

	if l.bucketFor(class).TryConsume(1) {
		return l.attempt(ctx, endpoint, fn)
	}

	req := &QueuedRequest{
		Endpoint: endpoint,
		Class:    class,
		Priority: priority,
		ctx:      ctx,
		fn:       fn,
		resultCh: make(chan result, 1),
	}
	l.queue.Enqueue(req)
	metrics.LimiterQueueDepth.Set(float64(l.queue.Size()))
	l.nudge()

	select {
	case r := <-req.resultCh:
		return r.val, r.err
	case <-ctx.Done():
		if req.cancel() {
			// Never claimed: no token was consumed for it.
			return nil, ctx.Err()
		}
		// Claimed by the drainer: fn runs to completion, result dropped.
		return nil, ctx.Err()
	case <-l.stopCh:
		if req.cancel() {
			return nil, ErrQueueClosed
		}
		r := <-req.resultCh
		return r.val, r.err
	}
}

// drain serves queued requests in priority order, blocking only on
// token availability and on the wrapped fn.
func (l *Limiter) drain() {
	for {
		req := l.queue.Dequeue()
		if req == nil {
			select {
			case <-l.queueCh:
				continue
			case <-l.drainCtx.Done():
				return
			}
		}
		metrics.LimiterQueueDepth.Set(float64(l.queue.Size()))

		if err := l.waitForClassToken(req.Class); err != nil {
			if req.cancel() {
				req.resultCh <- result{err: ErrQueueClosed}
			}
			return
		}

		if !req.claim() {
			// Canceled while queued: refund the token just taken.
			l.bucketFor(req.Class).Return(1)
			continue
		}

		res, err := l.attempt(req.ctx, req.Endpoint, req.fn)
		req.resultCh <- result{val: res, err: err}
	}
}

// waitForClassToken consumes one token for the class, re-resolving the
// bucket each round so emergency-mode rebuilds take effect mid-wait.
func (l *Limiter) waitForClassToken(class string) error {
	for {
		b := l.bucketFor(class)
		if b.TryConsume(1) {
			return nil
		}
		wait := b.WaitHint(1)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-l.drainCtx.Done():
			timer.Stop()
			return l.drainCtx.Err()
		case <-timer.C:
		}
	}
}

// attempt runs the retry loop for one consumed token.
func (l *Limiter) attempt(ctx context.Context, endpoint string, fn Fn) (any, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if l.monitor != nil {
			l.monitor.Record(endpoint)
		}
		res, err := fn(ctx)
		if l.backoff != nil {
			l.backoff.Record(endpoint, err == nil)
		}
		if err == nil {
			return res, nil
		}
		lastErr = err

		var delay time.Duration
		switch {
		case IsRateLimited(err):
			metrics.RateLimitHits.Inc()
			delay = fullJitter(attempt, l.baseDelay)
		case IsTransient(err):
			delay = transientRetryDelay
		default:
			return nil, err
		}

		if attempt >= l.maxRetries {
			break
		}
		metrics.RetriesTotal.Inc()
		l.logger.Debug().
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("retrying downstream call")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", l.maxRetries+1, lastErr)
}

// fullJitter computes 2^attempt * base plus a uniform random slice of
// base.
func fullJitter(attempt int, base time.Duration) time.Duration {
	backoff := time.Duration(1<<uint(attempt)) * base
	return backoff + time.Duration(rand.Int63n(int64(base)+1))
}

func (l *Limiter) bucketFor(class string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[class]
	if !ok {
		b = l.buckets[config.ClassMarkets]
	}
	return b
}

func (l *Limiter) nudge() {
	select {
	case l.queueCh <- struct{}{}:
	default:
	}
}

// SetEmergencyMode halves rate and burst while on, rebuilding every
// bucket in one step; current token counts are discarded. Turning it
// off restores the configured tier.
func (l *Limiter) SetEmergencyMode(on bool) {
	l.mu.Lock()
	if l.emergency == on {
		l.mu.Unlock()
		return
	}
	l.emergency = on
	l.buckets = buildBuckets(l.tier, on)
	l.mu.Unlock()

	if on {
		metrics.EmergencyMode.Set(1)
		l.logger.Warn().Msg("emergency mode enabled, operating at half capacity")
	} else {
		metrics.EmergencyMode.Set(0)
		l.logger.Info().Msg("emergency mode disabled, tier limits restored")
	}
	l.nudge()
}

// EmergencyMode reports whether the limiter runs at half capacity.
func (l *Limiter) EmergencyMode() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emergency
}

// Tier returns the configured tier name.
func (l *Limiter) Tier() string {
	return l.tierName
}

// QueueDepth returns the number of requests waiting for tokens.
func (l *Limiter) QueueDepth() int {
	return l.queue.Size()
}

// BucketLevels returns the available tokens per class.
func (l *Limiter) BucketLevels() map[string]float64 {
	l.mu.Lock()
	buckets := make(map[string]*TokenBucket, len(l.buckets))
	for class, b := range l.buckets {
		buckets[class] = b
	}
	l.mu.Unlock()

	levels := make(map[string]float64, len(buckets))
	for class, b := range buckets {
		levels[class] = b.Available()
	}
	return levels
}
