package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/chain"
	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/storage"
	"github.com/versemarket/keeperd/pkg/types"
)

// MarketSource pages through the provider's active market universe.
type MarketSource interface {
	FetchMarkets(ctx context.Context, limit, offset int) ([]types.Market, error)
}

// ErrorFunc receives per-market processing failures so the caller can
// route them to the shared retry queue.
type ErrorFunc func(marketID string, err error)

// RefreshFunc refetches fresh records for the given markets before a
// hot-refresh round recomputes their verses.
type RefreshFunc func(ctx context.Context, marketIDs []string) error

// Engine drives market ingestion: periodic full syncs of the market
// universe, hot-price refreshes, resolution propagation, and push
// updates from the stream. Chain writes are issued only for verses
// containing at least one owned market; ownership follows the keeper's
// accepted assignment.
type Engine struct {
	cfg     config.IngestConfig
	source  MarketSource
	updater chain.Updater
	local   storage.Local
	broker  *events.Broker

	prices  *PriceCache
	markets *MarketCache
	verses  *VerseSet

	onError   ErrorFunc
	refresher RefreshFunc

	mu    sync.RWMutex
	owned map[string]bool

	// One lock per verse keeps the version claim and its commit
	// atomic across the concurrent sync, push and retry paths.
	verseLocks sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewEngine creates an ingestion engine. onError may be nil.
func NewEngine(cfg config.IngestConfig, source MarketSource, updater chain.Updater, local storage.Local, broker *events.Broker, onError ErrorFunc) *Engine {
	return &Engine{
		cfg:     cfg,
		source:  source,
		updater: updater,
		local:   local,
		broker:  broker,
		prices:  NewPriceCache(cfg.PriceCacheSize, cfg.PriceCacheAge.D()),
		markets: NewMarketCache(),
		verses:  NewVerseSet(),
		onError: onError,
		owned:   make(map[string]bool),
		logger:  log.WithComponent("ingest"),
	}
}

// SetHotRefresher installs an optional refetch step that runs before
// each hot-refresh round, typically the provider's batched refresher.
// Must be called before Start.
func (e *Engine) SetHotRefresher(fn RefreshFunc) {
	e.refresher = fn
}

// Prices returns the price cache.
func (e *Engine) Prices() *PriceCache { return e.prices }

// Markets returns the market cache.
func (e *Engine) Markets() *MarketCache { return e.markets }

// Verses returns the verse set.
func (e *Engine) Verses() *VerseSet { return e.verses }

// Start launches the sync, hot-refresh and resolution loops.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(3)
	go e.syncLoop()
	go e.hotLoop()
	go e.resolutionLoop()

	e.logger.Info().
		Dur("full_sync", e.cfg.FullSyncInterval.D()).
		Dur("hot_refresh", e.cfg.HotRefreshInterval.D()).
		Dur("resolution", e.cfg.ResolutionInterval.D()).
		Msg("ingestion engine started")
}

// Stop cancels the loops and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info().Msg("ingestion engine stopped")
}

// SetAssignment replaces the ownership filter with the markets of the
// keeper's accepted assignment.
func (e *Engine) SetAssignment(marketIDs []string) {
	owned := make(map[string]bool, len(marketIDs))
	for _, id := range marketIDs {
		owned[id] = true
	}
	e.mu.Lock()
	e.owned = owned
	e.mu.Unlock()
	e.logger.Debug().Int("markets", len(marketIDs)).Msg("ownership filter updated")
}

func (e *Engine) owns(marketID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.owned[marketID]
}

// ownsVerse reports whether at least one member market is owned.
func (e *Engine) ownsVerse(id types.VerseID) bool {
	for _, m := range e.verses.Members(id) {
		if e.owns(m) {
			return true
		}
	}
	return false
}

func (e *Engine) syncLoop() {
	defer e.wg.Done()

	// First sync immediately, so a fresh keeper has a universe before
	// its first assignment arrives.
	e.fullSync()

	ticker := time.NewTicker(e.cfg.FullSyncInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.fullSync()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) hotLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.HotRefreshInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.hotRefresh()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) resolutionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.ResolutionInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.checkResolutions()
		case <-e.ctx.Done():
			return
		}
	}
}

// fullSync pages through the provider universe, rebuilds the caches,
// reissues every owned verse, and prunes fully resolved verses.
func (e *Engine) fullSync() {
	timer := metrics.NewTimer()

	offset := 0
	for {
		page, err := e.source.FetchMarkets(e.ctx, e.cfg.PageSize, offset)
		if err != nil {
			e.logger.Warn().Int("offset", offset).Err(err).Msg("full sync aborted")
			return
		}
		e.absorb(page)
		if len(page) < e.cfg.PageSize {
			break
		}
		offset += len(page)

		select {
		case <-time.After(e.cfg.PageDelay.D()):
		case <-e.ctx.Done():
			return
		}
	}
	timer.ObserveDuration(metrics.SyncDuration)

	for _, id := range e.verses.IDs() {
		if e.ctx.Err() != nil {
			return
		}
		if e.ownsVerse(id) {
			e.updateVerse(id, "sync")
		}
	}
	e.pruneResolved()
}

// absorb folds one provider page into the caches.
func (e *Engine) absorb(page []types.Market) {
	for _, m := range page {
		e.markets.Upsert(m)
		e.verses.Track(m.ID, m.Question)
		// Seed the price cache only on first sight; push updates are
		// fresher than sync snapshots.
		if _, ok := e.prices.Get(m.ID); !ok {
			e.prices.Put(types.CachedPrice{
				MarketID:     m.ID,
				LastYesPrice: m.YesPrice,
				ObservedAt:   m.UpdatedAt,
			})
		}
		if e.owns(m.ID) {
			metrics.MarketsProcessed.Inc()
		}
	}
	metrics.VersesTracked.Set(float64(e.verses.Len()))
}

// hotRefresh refetches the most recently active owned markets, then
// reissues their verses.
func (e *Engine) hotRefresh() {
	hot := e.prices.Hot(e.cfg.HotWindow.D(), e.cfg.HotLimit)
	if len(hot) == 0 {
		return
	}

	if e.refresher != nil {
		ids := make([]string, 0, len(hot))
		for _, p := range hot {
			if e.owns(p.MarketID) {
				ids = append(ids, p.MarketID)
			}
		}
		if err := e.refresher(e.ctx, ids); err != nil {
			e.logger.Warn().Int("markets", len(ids)).Err(err).Msg("hot refetch incomplete")
		}
	}

	seen := make(map[types.VerseID]bool)
	for _, p := range hot {
		id, ok := e.verses.VerseOf(p.MarketID)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		if e.ownsVerse(id) {
			e.updateVerse(id, "hot")
		}
	}
}

// checkResolutions propagates newly resolved owned markets on-chain,
// exactly once per market across restarts.
func (e *Engine) checkResolutions() {
	for id, m := range e.markets.Snapshot() {
		if !m.Resolved || !e.owns(id) {
			continue
		}
		done, err := e.local.IsResolutionProcessed(id)
		if err != nil {
			e.logger.Error().Str("market_id", id).Err(err).Msg("failed to read resolution marker")
			continue
		}
		if done {
			continue
		}

		if err := e.updater.MarkResolved(e.ctx, id, m.Resolution); err != nil {
			metrics.WorkErrors.Inc()
			e.reportError(id, err)
			continue
		}
		if err := e.local.MarkResolutionProcessed(id); err != nil {
			e.logger.Error().Str("market_id", id).Err(err).Msg("failed to persist resolution marker")
		}
		metrics.ResolutionsProcessed.Inc()
		e.broker.Publish(&events.Event{
			Type:    events.EventMarketResolved,
			Message: id,
			Metadata: map[string]string{
				"resolution": m.Resolution,
			},
		})
		e.logger.Info().Str("market_id", id).Str("resolution", m.Resolution).Msg("resolution propagated")
	}
}

// updateVerse recomputes the aggregate and issues one on-chain update
// with the next strictly increasing version. Updates of one verse are
// serialized so a racing pair cannot claim the same version and drop a
// commit whose chain write already landed.
func (e *Engine) updateVerse(id types.VerseID, trigger string) error {
	lock, _ := e.verseLocks.LoadOrStore(id, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	members := e.verses.Members(id)
	if len(members) == 0 {
		return nil
	}

	agg := e.aggregate(members)
	version := e.verses.NextVersion(id)
	if err := e.updater.UpdateVerseProb(e.ctx, id, version, agg); err != nil {
		metrics.WorkErrors.Inc()
		e.reportError(firstOwned(members, e.owns), err)
		return err
	}
	e.verses.Commit(id, agg, version, time.Now())
	metrics.VerseUpdates.WithLabelValues(trigger).Inc()
	e.broker.Publish(&events.Event{
		Type:    events.EventVerseUpdated,
		Message: id.String(),
		Metadata: map[string]string{
			"trigger": trigger,
		},
	})
	e.logger.Debug().Str("verse_id", id.String()).Uint64("version", version).
		Float64("aggregate", agg).Str("trigger", trigger).Msg("verse updated")
	return nil
}

// aggregate is the volume x liquidity weighted mean of the members'
// latest yes prices, 0.5 when total weight is zero.
func (e *Engine) aggregate(members []string) float64 {
	var weighted, total float64
	for _, id := range members {
		m, ok := e.markets.Get(id)
		if !ok {
			continue
		}
		price := m.YesPrice
		if p, ok := e.prices.Get(id); ok {
			price = p.LastYesPrice
		}
		w := m.Weight()
		weighted += w * price
		total += w
	}
	if total == 0 {
		return 0.5
	}
	return weighted / total
}

func (e *Engine) pruneResolved() {
	removed := e.verses.Prune(func(marketID string) bool {
		m, ok := e.markets.Get(marketID)
		return ok && m.Resolved
	})
	for _, id := range removed {
		e.verseLocks.Delete(id)
	}
	if len(removed) > 0 {
		e.logger.Info().Int("verses", len(removed)).Msg("pruned fully resolved verses")
	}
	metrics.VersesTracked.Set(float64(e.verses.Len()))
}

// HandlePrice applies one push price update. Per-market observed_at
// ordering: stale frames are dropped. The first observation only seeds
// the cache; after that a relative change past the threshold triggers
// an immediate verse update.
func (e *Engine) HandlePrice(p types.PriceUpdate) {
	metrics.PushEvents.WithLabelValues("price").Inc()

	prev, seen := e.prices.Get(p.MarketID)
	if seen && !p.ObservedAt.After(prev.ObservedAt) {
		return
	}

	e.prices.Put(types.CachedPrice{
		MarketID:     p.MarketID,
		LastYesPrice: p.YesPrice,
		ObservedAt:   p.ObservedAt,
	})
	e.markets.SetYesPrice(p.MarketID, p.YesPrice, p.ObservedAt)

	if !seen {
		return
	}
	if relativeChange(prev.LastYesPrice, p.YesPrice) <= e.cfg.PushThreshold {
		return
	}
	if id, ok := e.verses.VerseOf(p.MarketID); ok && e.ownsVerse(id) {
		e.updateVerse(id, "push")
	}
}

// HandleMarket folds one refetched market record into the caches.
// Verse recomputation is left to the caller's refresh round, so a
// refetch never issues chain writes of its own.
func (e *Engine) HandleMarket(m types.Market) {
	e.markets.Upsert(m)
	e.verses.Track(m.ID, m.Question)

	prev, seen := e.prices.Get(m.ID)
	if seen && !m.UpdatedAt.After(prev.ObservedAt) {
		return
	}
	e.prices.Put(types.CachedPrice{
		MarketID:     m.ID,
		LastYesPrice: m.YesPrice,
		ObservedAt:   m.UpdatedAt,
	})
}

// HandleResolution records one push resolution; the resolution loop
// propagates it on its next tick.
func (e *Engine) HandleResolution(r types.Resolution) {
	metrics.PushEvents.WithLabelValues("resolution").Inc()
	e.markets.Resolve(r.MarketID, r.Resolution)
}

// HandleDispute records one push dispute. Disputes are logged and
// counted, nothing more.
func (e *Engine) HandleDispute(d types.Dispute) {
	metrics.PushEvents.WithLabelValues("dispute").Inc()
	e.logger.Info().Str("market_id", d.MarketID).Bool("disputed", d.Disputed).Msg("market dispute observed")
}

// Reprocess reissues the verse of one market, used by the retry-queue
// drain loop.
func (e *Engine) Reprocess(marketID string) error {
	id, ok := e.verses.VerseOf(marketID)
	if !ok {
		return fmt.Errorf("market %s is not tracked", marketID)
	}
	return e.updateVerse(id, "retry")
}

func (e *Engine) reportError(marketID string, err error) {
	if e.onError == nil || marketID == "" {
		return
	}
	e.onError(marketID, err)
}

// relativeChange is |new-old| / |old|. A move away from zero always
// counts as significant.
func relativeChange(old, new float64) float64 {
	if old == 0 {
		if new == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(new-old) / math.Abs(old)
}

func firstOwned(members []string, owns func(string) bool) string {
	for _, m := range members {
		if owns(m) {
			return m
		}
	}
	return ""
}
