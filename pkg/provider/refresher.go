package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/optimizer"
	"github.com/versemarket/keeperd/pkg/ratelimit"
	"github.com/versemarket/keeperd/pkg/types"
)

// detailEndpoint receives coalesced per-market refresh requests.
const detailEndpoint = "/markets/detail"

// Refresher refetches hot markets through the request optimizer:
// per-market detail requests coalesce into batches, batches fan out
// per verse with bounded concurrency, and a short-lived cache absorbs
// markets that stay hot across consecutive refresh rounds.
type Refresher struct {
	batcher *optimizer.Batcher
	fanout  *optimizer.FanOut
	dedup   *optimizer.Deduplicator
	sink    func(types.Market)
	logger  zerolog.Logger
}

// NewRefresher wires the optimizer pipeline onto client's batch
// endpoint. Every refetched market record is handed to sink.
func NewRefresher(cfg config.OptimizerConfig, client *Client, limiter *ratelimit.Limiter, sink func(types.Market)) *Refresher {
	return &Refresher{
		batcher: optimizer.NewBatcher(cfg, limiter, client.SendBatch),
		fanout:  optimizer.NewFanOut(cfg.ParallelRequests),
		dedup:   optimizer.NewDeduplicator(cfg.CacheTTL.D()),
		sink:    sink,
		logger:  log.WithComponent("refresher"),
	}
}

// Refresh refetches ids partitioned by groupOf. The requests of one
// chunk are issued concurrently so they land in the same batch window,
// and the group name rides along as a common batch parameter so
// concurrent chunks of different groups never share a batch. Ids
// refetched inside the cache TTL are served without another
// downstream call.
func (r *Refresher) Refresh(ctx context.Context, ids []string, groupOf func(id string) string) error {
	return r.fanout.FetchGrouped(ctx, ids, groupOf, func(ctx context.Context, chunk []string) error {
		return r.fetchChunk(ctx, chunk, groupOf(chunk[0]))
	})
}

func (r *Refresher) fetchChunk(ctx context.Context, ids []string, group string) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(ids))

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := r.dedup.Do(ctx, "detail:"+id, func(ctx context.Context) (any, error) {
				return r.batcher.BatchRequest(ctx, detailEndpoint, map[string]any{
					"id":        id,
					"timestamp": time.Now().UnixMilli(),
					"verse":     group,
				}, ratelimit.PriorityHigh)
			})
			if err != nil {
				errCh <- err
				return
			}
			if m, ok := res.(types.Market); ok {
				r.sink(m)
			} else {
				r.logger.Warn().Str("market_id", id).Msg("batch response slot is not a market record")
			}
		}(id)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Invalidate drops a market's cached detail record after a push update
// made it stale.
func (r *Refresher) Invalidate(marketID string) {
	r.dedup.Invalidate("detail:" + marketID)
}

// Flush closes any open batch windows immediately.
func (r *Refresher) Flush() {
	r.batcher.Flush()
}
