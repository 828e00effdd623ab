package optimizer

import (
	"context"
	"sync"
	"time"

	"github.com/versemarket/keeperd/pkg/metrics"
)

type dedupEntry struct {
	done      chan struct{}
	val       any
	err       error
	expiresAt time.Time
}

// Deduplicator collapses identical concurrent calls onto one
// in-flight execution and serves repeats from a short-lived cache.
// Failed calls are never cached: the error fans out to everyone who
// joined the in-flight call, then the key is cleared so the next
// caller retries.
type Deduplicator struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*dedupEntry

	now func() time.Time
}

// NewDeduplicator creates a deduplicator caching successes for ttl.
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	return &Deduplicator{
		ttl:     ttl,
		entries: make(map[string]*dedupEntry),
		now:     time.Now,
	}
}

// Do runs fn once per key per TTL window. Concurrent callers with the
// same key block on the first call's outcome; later callers inside
// the window get the cached value without calling fn.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	d.mu.Lock()
	d.sweep()

	if entry, ok := d.entries[key]; ok {
		d.mu.Unlock()
		select {
		case <-entry.done:
		default:
			metrics.DedupHits.WithLabelValues("inflight").Inc()
			select {
			case <-entry.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return entry.val, entry.err
		}
		metrics.DedupHits.WithLabelValues("cached").Inc()
		return entry.val, entry.err
	}

	entry := &dedupEntry{done: make(chan struct{})}
	d.entries[key] = entry
	d.mu.Unlock()

	entry.val, entry.err = fn(ctx)
	entry.expiresAt = d.now().Add(d.ttl)
	close(entry.done)

	if entry.err != nil {
		d.mu.Lock()
		if d.entries[key] == entry {
			delete(d.entries, key)
		}
		d.mu.Unlock()
	}
	return entry.val, entry.err
}

// Invalidate drops a cached result before its TTL, e.g. after a push
// update made it stale.
func (d *Deduplicator) Invalidate(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[key]; ok {
		select {
		case <-entry.done:
			delete(d.entries, key)
		default:
			// In flight; the caller owns the slot until it settles.
		}
	}
}

// sweep drops expired completed entries. Caller holds d.mu.
func (d *Deduplicator) sweep() {
	now := d.now()
	for key, entry := range d.entries {
		select {
		case <-entry.done:
			if now.After(entry.expiresAt) {
				delete(d.entries, key)
			}
		default:
		}
	}
}
