package keeper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/coord"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/ingest"
	"github.com/versemarket/keeperd/pkg/ratelimit"
	"github.com/versemarket/keeperd/pkg/storage"
	"github.com/versemarket/keeperd/pkg/types"
)

type stubSource struct {
	mu      sync.Mutex
	markets []types.Market
}

func (s *stubSource) FetchMarkets(ctx context.Context, limit, offset int) ([]types.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.markets) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.markets) {
		end = len(s.markets)
	}
	return s.markets[offset:end], nil
}

type stubUpdater struct {
	mu      sync.Mutex
	updates []types.VerseID
}

func (s *stubUpdater) UpdateVerseProb(ctx context.Context, verseID types.VerseID, version uint64, probability float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, verseID)
	return nil
}

func (s *stubUpdater) MarkResolved(ctx context.Context, marketID, resolution string) error {
	return nil
}

func (s *stubUpdater) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func testConfig(t *testing.T, id string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Keeper.ID = id
	cfg.Keeper.Host = "test-host"
	cfg.Keeper.DataDir = t.TempDir()
	cfg.Heartbeat.Interval = config.Duration(50 * time.Millisecond)
	cfg.Heartbeat.TTL = config.Duration(time.Second)
	cfg.Election.LeaseTTL = config.Duration(500 * time.Millisecond)
	cfg.Election.ReverifyInterval = config.Duration(50 * time.Millisecond)
	cfg.Election.ReshardInterval = config.Duration(100 * time.Millisecond)
	cfg.Failover.HealthCheckInterval = config.Duration(time.Hour)
	cfg.RetryQueue.DrainInterval = config.Duration(50 * time.Millisecond)
	// Keep the engine's own clocks out of the way.
	cfg.Ingest.FullSyncInterval = config.Duration(time.Hour)
	cfg.Ingest.HotRefreshInterval = config.Duration(time.Hour)
	cfg.Ingest.ResolutionInterval = config.Duration(time.Hour)
	return cfg
}

func newTestNode(t *testing.T, id string, store coord.Store, markets []types.Market) (*Node, *stubUpdater) {
	t.Helper()
	cfg := testConfig(t, id)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	limiter, err := ratelimit.New(cfg.Limiter, nil, nil)
	require.NoError(t, err)
	limiter.Start()
	t.Cleanup(limiter.Stop)

	local, err := storage.NewBoltStore(cfg.Keeper.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	updater := &stubUpdater{}
	var node *Node
	engine := ingest.NewEngine(cfg.Ingest, &stubSource{markets: markets}, updater, local, broker,
		func(marketID string, err error) { node.ReportWorkError(marketID, err) })
	node = NewNode(cfg, id, store, broker, local, engine, limiter)
	return node, updater
}

func publishWork(t *testing.T, store coord.Store, id string, wm types.WorkMessage) {
	t.Helper()
	if wm.TS == 0 {
		wm.TS = time.Now().UnixMilli()
	}
	raw, err := json.Marshal(wm)
	require.NoError(t, err)
	require.NoError(t, store.Publish(context.Background(), coord.WorkChannel(id), raw))
}

func TestStartRegistersAndStopDeregisters(t *testing.T) {
	store := coord.NewMemoryStore()
	node, _ := newTestNode(t, "k1", store, nil)

	require.NoError(t, node.Start())

	ctx := context.Background()
	raw, err := store.HashGet(ctx, coord.KeyRegistry, "k1")
	require.NoError(t, err)
	var info types.KeeperInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, "test-host", info.Host)

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, coord.HeartbeatKey("k1"))
		return err == nil
	}, time.Second, 10*time.Millisecond, "heartbeat never written")

	node.Stop()
	assert.Equal(t, types.KeeperStateStopped, node.State())

	_, err = store.HashGet(ctx, coord.KeyRegistry, "k1")
	assert.ErrorIs(t, err, coord.ErrNotFound)
	_, err = store.Get(ctx, coord.HeartbeatKey("k1"))
	assert.ErrorIs(t, err, coord.ErrNotFound)
	_, err = store.Get(ctx, coord.KeyLeaderLock)
	assert.ErrorIs(t, err, coord.ErrNotFound, "lease released on shutdown")
}

func TestAssignmentGenerationGate(t *testing.T) {
	store := coord.NewMemoryStore()
	node, _ := newTestNode(t, "k1", store, nil)
	require.NoError(t, node.Start())
	defer node.Stop()

	// Assignments can arrive the moment the subscriptions are up,
	// before any heartbeat.
	publishWork(t, store, "k1", types.WorkMessage{Markets: []string{"m1", "m2"}, Generation: 10})
	require.Eventually(t, func() bool {
		return node.Status().Generation == 10
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, node.Status().AssignmentSize)

	// Replay and regression are both rejected.
	publishWork(t, store, "k1", types.WorkMessage{Markets: []string{"m9"}, Generation: 10})
	publishWork(t, store, "k1", types.WorkMessage{Markets: []string{"m9"}, Generation: 5})
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, uint64(10), node.Status().Generation)
	assert.Equal(t, 2, node.Status().AssignmentSize)

	// A strictly newer generation wins.
	publishWork(t, store, "k1", types.WorkMessage{Markets: []string{"m3"}, Generation: 11})
	require.Eventually(t, func() bool {
		return node.Status().Generation == 11
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, node.Status().AssignmentSize)

	a := node.Assignment()
	require.NotNil(t, a)
	assert.Equal(t, []string{"m3"}, a.Markets)
}

func TestGenerationSurvivesRestartGate(t *testing.T) {
	store := coord.NewMemoryStore()
	cfg := testConfig(t, "k1")

	local, err := storage.NewBoltStore(cfg.Keeper.DataDir)
	require.NoError(t, err)
	require.NoError(t, local.SaveGeneration(42))
	require.NoError(t, local.Close())

	local, err = storage.NewBoltStore(cfg.Keeper.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	limiter, err := ratelimit.New(cfg.Limiter, nil, nil)
	require.NoError(t, err)
	limiter.Start()
	t.Cleanup(limiter.Stop)

	engine := ingest.NewEngine(cfg.Ingest, &stubSource{}, &stubUpdater{}, local, broker, nil)
	node := NewNode(cfg, "k1", store, broker, local, engine, limiter)
	require.NoError(t, node.Start())
	defer node.Stop()

	// A stale assignment from before the restart is ignored.
	publishWork(t, store, "k1", types.WorkMessage{Markets: []string{"m1"}, Generation: 42})
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, uint64(42), node.Status().Generation)
	assert.Nil(t, node.Assignment())

	publishWork(t, store, "k1", types.WorkMessage{Markets: []string{"m1"}, Generation: 43})
	require.Eventually(t, func() bool {
		return node.Status().Generation == 43
	}, time.Second, 10*time.Millisecond)
}

func TestSoloNodeElectsItselfAndDistributes(t *testing.T) {
	store := coord.NewMemoryStore()
	markets := []types.Market{
		{ID: "m1", Question: "q one", UpdatedAt: time.Now()},
		{ID: "m2", Question: "q two", UpdatedAt: time.Now()},
	}
	node, _ := newTestNode(t, "k1", store, markets)
	require.NoError(t, node.Start())
	defer node.Stop()

	require.Eventually(t, node.IsLeader, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.KeeperStateLeader, node.State())

	// The leader's sharder assigns the whole universe back to the only
	// keeper alive.
	require.Eventually(t, func() bool {
		return node.Status().AssignmentSize == len(markets)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryDrainReprocessesOwnedOnly(t *testing.T) {
	store := coord.NewMemoryStore()
	markets := []types.Market{{ID: "m1", Question: "owned market", Volume: 1, Liquidity: 1, YesPrice: 0.5, UpdatedAt: time.Now()}}
	node, updater := newTestNode(t, "k1", store, markets)
	require.NoError(t, node.Start())
	defer node.Stop()

	// Own m1 under a high generation so the sharder cannot override it.
	publishWork(t, store, "k1", types.WorkMessage{Markets: []string{"m1"}, Generation: 100})
	require.Eventually(t, func() bool {
		return node.Status().Generation == 100
	}, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	push := func(marketID string) {
		rec, _ := json.Marshal(types.RetryRecord{MarketID: marketID, KeeperID: "other", TS: time.Now().UnixMilli()})
		require.NoError(t, store.ListPush(ctx, coord.KeyRetryQueue, rec))
	}
	push("m1")
	push("unowned")

	// The owned record is reprocessed into a verse update. Processed
	// advances only when the drain itself succeeds, so it is the signal
	// to wait on; the chain write count is checked after.
	require.Eventually(t, func() bool {
		return node.Status().Processed >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, updater.count(), 1)

	// The unowned record stays on the queue for its owner.
	require.Eventually(t, func() bool {
		raw, err := store.ListPop(ctx, coord.KeyRetryQueue)
		if err != nil {
			return false
		}
		var rec types.RetryRecord
		require.NoError(t, json.Unmarshal(raw, &rec))
		if rec.MarketID != "unowned" {
			require.NoError(t, store.ListPush(ctx, coord.KeyRetryQueue, raw))
			return false
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProgressFlushedToSharedCounters(t *testing.T) {
	store := coord.NewMemoryStore()
	node, _ := newTestNode(t, "k1", store, nil)
	require.NoError(t, node.Start())
	defer node.Stop()

	node.MarkProcessed(7)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		raw, err := store.HashGet(ctx, coord.KeyProgress, "k1")
		return err == nil && string(raw) == "7"
	}, time.Second, 20*time.Millisecond, "progress delta never flushed")
}
