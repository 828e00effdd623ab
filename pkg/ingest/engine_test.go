package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/ratelimit"
	"github.com/versemarket/keeperd/pkg/types"
)

type fakeSource struct {
	markets []types.Market
	calls   int
}

func (f *fakeSource) FetchMarkets(ctx context.Context, limit, offset int) ([]types.Market, error) {
	f.calls++
	if offset >= len(f.markets) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.markets) {
		end = len(f.markets)
	}
	return f.markets[offset:end], nil
}

type chainUpdate struct {
	verseID     types.VerseID
	version     uint64
	probability float64
}

type fakeUpdater struct {
	mu       sync.Mutex
	updates  []chainUpdate
	resolved []string
	fail     error
}

func (f *fakeUpdater) UpdateVerseProb(ctx context.Context, verseID types.VerseID, version uint64, probability float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.updates = append(f.updates, chainUpdate{verseID, version, probability})
	return nil
}

func (f *fakeUpdater) MarkResolved(ctx context.Context, marketID, resolution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.resolved = append(f.resolved, marketID)
	return nil
}

func (f *fakeUpdater) snapshot() ([]chainUpdate, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chainUpdate(nil), f.updates...), append([]string(nil), f.resolved...)
}

type memLocal struct {
	mu        sync.Mutex
	processed map[string]bool
	gen       uint64
}

func newMemLocal() *memLocal {
	return &memLocal{processed: make(map[string]bool)}
}

func (m *memLocal) MarkResolutionProcessed(marketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[marketID] = true
	return nil
}

func (m *memLocal) IsResolutionProcessed(marketID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[marketID], nil
}

func (m *memLocal) ListProcessedResolutions() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.processed))
	for id := range m.processed {
		out = append(out, id)
	}
	return out, nil
}

func (m *memLocal) SaveGeneration(generation uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen = generation
	return nil
}

func (m *memLocal) LoadGeneration() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen, nil
}

func (m *memLocal) SaveUsage([]ratelimit.UsageSnapshot) error { return nil }

func (m *memLocal) LoadUsage() ([]ratelimit.UsageSnapshot, error) { return nil, nil }

func (m *memLocal) Close() error { return nil }

func testEngine(t *testing.T, source MarketSource, updater *fakeUpdater, onError ErrorFunc) *Engine {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default().Ingest
	cfg.PageDelay = config.Duration(time.Millisecond)

	e := NewEngine(cfg, source, updater, newMemLocal(), broker, onError)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	t.Cleanup(e.cancel)
	return e
}

func TestFullSyncAggregatesByVerse(t *testing.T) {
	q := "Will BTC be above $100k by 2025?"
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: q, YesPrice: 0.8, Volume: 10, Liquidity: 2, UpdatedAt: time.Now()},
		{ID: "m2", Question: q, YesPrice: 0.2, Volume: 5, Liquidity: 2, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.SetAssignment([]string{"m1", "m2"})
	e.fullSync()

	updates, _ := updater.snapshot()
	require.Len(t, updates, 1, "one verse, one update")
	// (20*0.8 + 10*0.2) / 30
	assert.InDelta(t, 0.6, updates[0].probability, 1e-9)
	assert.Equal(t, uint64(1), updates[0].version)

	v, ok := e.verses.Get(updates[0].verseID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v.Version)
	assert.InDelta(t, 0.6, v.Aggregate, 1e-9)

	// The next sync bumps the version.
	e.fullSync()
	updates, _ = updater.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, uint64(2), updates[1].version)
}

func TestAggregateZeroWeightIsHalf(t *testing.T) {
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: "zero volume market", YesPrice: 0.9, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.SetAssignment([]string{"m1"})
	e.fullSync()

	updates, _ := updater.snapshot()
	require.Len(t, updates, 1)
	assert.InDelta(t, 0.5, updates[0].probability, 1e-9)
}

func TestFullSyncPaginates(t *testing.T) {
	markets := make([]types.Market, 0, 5)
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		markets = append(markets, types.Market{ID: id, Question: "q " + id, UpdatedAt: time.Now()})
	}
	source := &fakeSource{markets: markets}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.cfg.PageSize = 2
	e.fullSync()

	// Pages of 2: three full/partial pages.
	assert.Equal(t, 3, source.calls)
	assert.Equal(t, 5, e.markets.Len())
}

func TestUnownedVersesAreNotWritten(t *testing.T) {
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: "unassigned market", YesPrice: 0.7, Volume: 1, Liquidity: 1, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.fullSync()

	updates, _ := updater.snapshot()
	assert.Empty(t, updates, "no assignment, no chain writes")
	assert.Equal(t, 1, e.markets.Len(), "the universe is still ingested")
}

func TestHandlePriceOrdering(t *testing.T) {
	e := testEngine(t, &fakeSource{}, &fakeUpdater{}, nil)

	now := time.Now()
	e.HandlePrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.5, ObservedAt: now})
	// Stale frame: older observed_at must not clobber the cache.
	e.HandlePrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.1, ObservedAt: now.Add(-time.Second)})

	p, ok := e.prices.Get("m1")
	require.True(t, ok)
	assert.InDelta(t, 0.5, p.LastYesPrice, 1e-9)

	e.HandlePrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.6, ObservedAt: now.Add(time.Second)})
	p, _ = e.prices.Get("m1")
	assert.InDelta(t, 0.6, p.LastYesPrice, 1e-9)
}

func TestSignificantChangeTriggersImmediateUpdate(t *testing.T) {
	q := "Will it rain tomorrow?"
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: q, YesPrice: 0.50, Volume: 1, Liquidity: 1, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.SetAssignment([]string{"m1"})
	e.fullSync()
	updates, _ := updater.snapshot()
	baseline := len(updates)

	// 0.4% move: below the 1% threshold, no immediate update.
	e.HandlePrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.502, ObservedAt: time.Now()})
	updates, _ = updater.snapshot()
	assert.Len(t, updates, baseline)

	// 5% move: immediate verse update carrying the pushed price.
	e.HandlePrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.527, ObservedAt: time.Now().Add(time.Millisecond)})
	updates, _ = updater.snapshot()
	require.Len(t, updates, baseline+1)
	assert.InDelta(t, 0.527, updates[baseline].probability, 1e-9)
}

func TestFirstObservationOnlySeeds(t *testing.T) {
	updater := &fakeUpdater{}
	e := testEngine(t, &fakeSource{}, updater, nil)
	e.verses.Track("m1", "never synced market")
	e.SetAssignment([]string{"m1"})

	e.HandlePrice(types.PriceUpdate{MarketID: "m1", YesPrice: 0.9, ObservedAt: time.Now()})

	updates, _ := updater.snapshot()
	assert.Empty(t, updates, "the first observation seeds the cache, nothing more")
	_, ok := e.prices.Get("m1")
	assert.True(t, ok)
}

func TestHandleMarketFoldsRecordWithoutChainWrite(t *testing.T) {
	updater := &fakeUpdater{}
	e := testEngine(t, &fakeSource{}, updater, nil)
	e.SetAssignment([]string{"m1"})

	now := time.Now()
	e.HandleMarket(types.Market{ID: "m1", Question: "refetched market",
		YesPrice: 0.7, Volume: 3, Liquidity: 1, UpdatedAt: now})

	m, ok := e.markets.Get("m1")
	require.True(t, ok)
	assert.InDelta(t, 3.0, m.Volume, 1e-9)
	p, ok := e.prices.Get("m1")
	require.True(t, ok)
	assert.InDelta(t, 0.7, p.LastYesPrice, 1e-9)

	// A stale record keeps the fresher cached price.
	e.HandleMarket(types.Market{ID: "m1", Question: "refetched market",
		YesPrice: 0.1, UpdatedAt: now.Add(-time.Second)})
	p, _ = e.prices.Get("m1")
	assert.InDelta(t, 0.7, p.LastYesPrice, 1e-9)

	updates, _ := updater.snapshot()
	assert.Empty(t, updates, "refetches never write on-chain directly")
}

func TestHotRefreshDrivesRefresher(t *testing.T) {
	q := "hot verse question"
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: q, YesPrice: 0.5, Volume: 1, Liquidity: 1, UpdatedAt: time.Now()},
		{ID: "m2", Question: "unowned " + q, YesPrice: 0.5, Volume: 1, Liquidity: 1, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	var mu sync.Mutex
	var refreshed [][]string
	e.SetHotRefresher(func(ctx context.Context, ids []string) error {
		mu.Lock()
		refreshed = append(refreshed, ids)
		mu.Unlock()
		return nil
	})
	e.SetAssignment([]string{"m1"})
	e.fullSync()

	// Recent activity marks both markets hot, but only the owned one
	// is refetched.
	now := time.Now()
	e.prices.Put(types.CachedPrice{MarketID: "m1", LastYesPrice: 0.5, ObservedAt: now})
	e.prices.Put(types.CachedPrice{MarketID: "m2", LastYesPrice: 0.5, ObservedAt: now})
	e.hotRefresh()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, refreshed, 1)
	assert.Equal(t, []string{"m1"}, refreshed[0])
}

func TestResolutionsPropagateOnce(t *testing.T) {
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: "resolving market", Resolved: true, Resolution: "Yes", UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.SetAssignment([]string{"m1"})
	e.fullSync()

	e.checkResolutions()
	e.checkResolutions()

	_, resolved := updater.snapshot()
	assert.Equal(t, []string{"m1"}, resolved, "idempotent across ticks")
}

func TestPushResolutionFlowsThroughMonitor(t *testing.T) {
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: "open market", YesPrice: 0.5, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.SetAssignment([]string{"m1"})
	e.fullSync()

	e.HandleResolution(types.Resolution{MarketID: "m1", Resolution: "No", ObservedAt: time.Now()})
	e.checkResolutions()

	_, resolved := updater.snapshot()
	assert.Equal(t, []string{"m1"}, resolved)
}

func TestChainFailureReportsOwnedMarket(t *testing.T) {
	q := "failing verse question"
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: q, YesPrice: 0.5, Volume: 1, Liquidity: 1, UpdatedAt: time.Now()},
	}}
	boom := errors.New("rpc down")
	updater := &fakeUpdater{fail: boom}

	var mu sync.Mutex
	var failed []string
	e := testEngine(t, source, updater, func(marketID string, err error) {
		mu.Lock()
		failed = append(failed, marketID)
		mu.Unlock()
		assert.ErrorIs(t, err, boom)
	})
	e.SetAssignment([]string{"m1"})
	e.fullSync()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1"}, failed)
}

func TestReprocess(t *testing.T) {
	q := "retry question"
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: q, YesPrice: 0.5, Volume: 1, Liquidity: 1, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.SetAssignment([]string{"m1"})
	e.fullSync()

	require.NoError(t, e.Reprocess("m1"))
	updates, _ := updater.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, uint64(2), updates[1].version)

	assert.Error(t, e.Reprocess("unknown"))
}

func TestConcurrentUpdatesNeverReuseVersions(t *testing.T) {
	q := "contended verse question"
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: q, YesPrice: 0.5, Volume: 1, Liquidity: 1, UpdatedAt: time.Now()},
	}}
	updater := &fakeUpdater{}

	e := testEngine(t, source, updater, nil)
	e.SetAssignment([]string{"m1"})
	e.fullSync()

	id, ok := e.verses.VerseOf("m1")
	require.True(t, ok)

	// Sync, push and retry paths can all reach the same verse at once;
	// every writer must claim a distinct version and commit it.
	const racers = 16
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.updateVerse(id, "push"))
		}()
	}
	wg.Wait()

	updates, _ := updater.snapshot()
	require.Len(t, updates, racers+1, "one write from the sync plus one per racer")
	seen := make(map[uint64]bool)
	for _, u := range updates {
		assert.False(t, seen[u.version], "version %d written twice", u.version)
		seen[u.version] = true
	}

	v, ok := e.verses.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint64(racers+1), v.Version)
}

func TestPruneAfterAllResolved(t *testing.T) {
	q := "verse that fully resolves"
	source := &fakeSource{markets: []types.Market{
		{ID: "m1", Question: q, Resolved: true, Resolution: "Yes", UpdatedAt: time.Now()},
	}}
	e := testEngine(t, source, &fakeUpdater{}, nil)
	e.fullSync()

	assert.Equal(t, 0, e.verses.Len(), "fully resolved verses are pruned after sync")
}
