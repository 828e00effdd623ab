package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/ratelimit"
)

// compressionRatio is the bar a compressed payload must clear: below
// 0.9x the original or it ships uncompressed.
const compressionRatio = 0.9

// Sender ships one flushed batch payload downstream. compressed
// reports whether payload is gzip-encoded.
type Sender func(ctx context.Context, endpoint string, payload []byte, compressed bool) (any, error)

// batchPayload is the wire form of one flushed group.
type batchPayload struct {
	Requests []map[string]any `json:"requests"`
	Count    int              `json:"count"`
	TS       int64            `json:"ts"`
}

type batchEntry struct {
	params   map[string]any
	priority int
	seq      int
	resultCh chan batchResult
}

type batchResult struct {
	val any
	err error
}

type batchGroup struct {
	endpoint string
	entries  []*batchEntry
	timer    *time.Timer
}

// Batcher coalesces requests that share an endpoint and common
// parameters into one downstream call. A group flushes when its
// 100 ms window ends, its size cap is reached, or Flush is called.
type Batcher struct {
	maxSize       int
	maxWait       time.Duration
	compressAfter int
	limiter       *ratelimit.Limiter
	send          Sender

	mu     sync.Mutex
	groups map[string]*batchGroup
	seq    int

	logger zerolog.Logger
}

// NewBatcher creates a batcher submitting flushed groups through the
// limiter via send.
func NewBatcher(cfg config.OptimizerConfig, limiter *ratelimit.Limiter, send Sender) *Batcher {
	return &Batcher{
		maxSize:       cfg.BatchMaxSize,
		maxWait:       cfg.BatchMaxWait.D(),
		compressAfter: cfg.CompressionThreshold,
		limiter:       limiter,
		send:          send,
		groups:        make(map[string]*batchGroup),
		logger:        log.WithComponent("batcher"),
	}
}

// BatchRequest queues one request into its group and blocks until the
// group's downstream call settles. Results are distributed
// positionally; a scalar downstream result is broadcast to every
// waiter; a group-level failure rejects every waiter with the same
// error.
func (b *Batcher) BatchRequest(ctx context.Context, endpoint string, params map[string]any, priority int) (any, error) {
	key := groupKey(endpoint, params)

	entry := &batchEntry{
		params:   params,
		priority: priority,
		resultCh: make(chan batchResult, 1),
	}

	b.mu.Lock()
	group, ok := b.groups[key]
	if !ok {
		group = &batchGroup{endpoint: endpoint}
		group.timer = time.AfterFunc(b.maxWait, func() {
			b.flushKey(key, "timer")
		})
		b.groups[key] = group
	}
	entry.seq = b.seq
	b.seq++
	group.entries = append(group.entries, entry)
	full := len(group.entries) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flushKey(key, "size")
	}

	select {
	case res := <-entry.resultCh:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush drains every pending group immediately.
func (b *Batcher) Flush() {
	b.mu.Lock()
	keys := make([]string, 0, len(b.groups))
	for key := range b.groups {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.flushKey(key, "explicit")
	}
}

// flushKey detaches one group and executes it.
func (b *Batcher) flushKey(key, reason string) {
	b.mu.Lock()
	group, ok := b.groups[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.groups, key)
	b.mu.Unlock()

	group.timer.Stop()
	if len(group.entries) == 0 {
		return
	}
	metrics.BatchesFlushed.WithLabelValues(reason).Inc()
	metrics.BatchSize.Observe(float64(len(group.entries)))
	b.execute(group)
}

func (b *Batcher) execute(group *batchGroup) {
	// Priority order, FIFO within a band.
	sort.SliceStable(group.entries, func(i, j int) bool {
		if group.entries[i].priority != group.entries[j].priority {
			return group.entries[i].priority > group.entries[j].priority
		}
		return group.entries[i].seq < group.entries[j].seq
	})

	payload := batchPayload{
		Requests: make([]map[string]any, len(group.entries)),
		Count:    len(group.entries),
		TS:       time.Now().UnixMilli(),
	}
	maxPriority := group.entries[0].priority
	for i, entry := range group.entries {
		payload.Requests[i] = entry.params
	}

	body, err := json.Marshal(payload)
	if err != nil {
		b.reject(group, fmt.Errorf("failed to encode batch payload: %w", err))
		return
	}
	body, compressed := b.maybeCompress(body)

	res, err := b.limiter.Execute(context.Background(), group.endpoint, maxPriority,
		func(ctx context.Context) (any, error) {
			return b.send(ctx, group.endpoint, body, compressed)
		})
	if err != nil {
		b.reject(group, err)
		return
	}
	b.distribute(group, res)
}

// maybeCompress gzips the payload when it is large enough and the
// compressed form actually saves space.
func (b *Batcher) maybeCompress(body []byte) ([]byte, bool) {
	if len(body) < b.compressAfter {
		return body, false
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return body, false
	}
	if err := w.Close(); err != nil {
		return body, false
	}
	if float64(buf.Len()) >= compressionRatio*float64(len(body)) {
		return body, false
	}
	metrics.BatchesCompressed.Inc()
	return buf.Bytes(), true
}

// distribute hands the downstream result back to the waiters. A list
// result of matching length is positional; anything else is broadcast.
func (b *Batcher) distribute(group *batchGroup, res any) {
	if list, ok := res.([]any); ok && len(list) == len(group.entries) {
		for i, entry := range group.entries {
			entry.resultCh <- batchResult{val: list[i]}
		}
		return
	}
	for _, entry := range group.entries {
		entry.resultCh <- batchResult{val: res}
	}
}

func (b *Batcher) reject(group *batchGroup, err error) {
	b.logger.Warn().Str("endpoint", group.endpoint).Int("waiters", len(group.entries)).Err(err).
		Msg("batch failed, rejecting all waiters")
	for _, entry := range group.entries {
		entry.resultCh <- batchResult{err: err}
	}
}

// groupKey is the endpoint plus the canonical common params: the
// request params with the per-request id and timestamp removed.
func groupKey(endpoint string, params map[string]any) string {
	common := make(map[string]any, len(params))
	for k, v := range params {
		if k == "id" || k == "timestamp" {
			continue
		}
		common[k] = v
	}
	keys := make([]string, 0, len(common))
	for k := range common {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb bytes.Buffer
	sb.WriteString(endpoint)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		val, _ := json.Marshal(common[k])
		sb.Write(val)
	}
	return sb.String()
}
