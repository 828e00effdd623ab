package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/coord"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/failover"
	"github.com/versemarket/keeperd/pkg/ingest"
	"github.com/versemarket/keeperd/pkg/leader"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/ratelimit"
	"github.com/versemarket/keeperd/pkg/storage"
	"github.com/versemarket/keeperd/pkg/types"
)

// Status is the node's externally visible state, served by the admin
// API.
type Status struct {
	KeeperID       string  `json:"keeper_id"`
	State          string  `json:"state"`
	IsLeader       bool    `json:"is_leader"`
	Generation     uint64  `json:"generation"`
	AssignmentSize int     `json:"assignment_size"`
	Processed      uint64  `json:"processed"`
	Errors         uint64  `json:"errors"`
	QueueDepth     int     `json:"queue_depth"`
	Tier           string  `json:"tier"`
	EmergencyMode  bool    `json:"emergency_mode"`
	VersesTracked  int     `json:"verses_tracked"`
	Markets        int     `json:"markets"`
	UptimeSec      int64   `json:"uptime_s"`
	LatencyMs      float64 `json:"latency_ms"`
}

// Node is one keeper process: it registers in the fleet, heartbeats,
// accepts work assignments, runs the election, the sharder and the
// supervisor, and drains the shared retry queue.
type Node struct {
	cfg     *config.Config
	id      string
	store   coord.Store
	broker  *events.Broker
	local   storage.Local
	engine  *ingest.Engine
	limiter *ratelimit.Limiter

	elector    *leader.Elector
	sharder    *leader.Sharder
	supervisor *failover.Supervisor

	state     atomic.Value // types.KeeperState
	startedAt time.Time

	mu                 sync.Mutex
	assignment         *types.Assignment
	acceptedGeneration uint64

	processed atomic.Uint64
	workErrs  atomic.Uint64
	// deltas already flushed into the shared progress counters
	reportedProcessed atomic.Uint64
	reportedErrs      atomic.Uint64
	latencyBits       atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewNode wires one keeper node. The engine must be constructed with
// the node's ReportWorkError as its error sink.
func NewNode(cfg *config.Config, id string, store coord.Store, broker *events.Broker, local storage.Local, engine *ingest.Engine, limiter *ratelimit.Limiter) *Node {
	n := &Node{
		cfg:     cfg,
		id:      id,
		store:   store,
		broker:  broker,
		local:   local,
		engine:  engine,
		limiter: limiter,
		logger:  log.WithKeeperID(id).With().Str("component", "keeper").Logger(),
	}
	n.state.Store(types.KeeperStateStopped)

	n.elector = leader.NewElector(id, store, broker,
		cfg.Election.LeaseTTL.D(), cfg.Election.ReverifyInterval.D(),
		n.onElected, n.onDemoted)
	n.sharder = leader.NewSharder(store, broker,
		func() []string { return engine.Markets().IDs() },
		n.elector.IsLeader,
		cfg.Election.ReshardInterval.D(), cfg.Heartbeat.TTL.D())
	n.supervisor = failover.NewSupervisor(id, store, broker,
		n.elector.IsLeader, cfg.Failover, cfg.Election.LeaseTTL.D())
	return n
}

// ID returns the keeper id.
func (n *Node) ID() string { return n.id }

// State returns the current lifecycle state.
func (n *Node) State() types.KeeperState {
	return n.state.Load().(types.KeeperState)
}

// IsLeader reports whether this node holds the leader lease.
func (n *Node) IsLeader() bool { return n.elector.IsLeader() }

// Start brings the node through starting -> registered and launches
// every loop. Assignments may arrive before the first heartbeat; the
// subscriptions are live before registration completes.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.startedAt = time.Now()
	n.state.Store(types.KeeperStateStarting)

	if err := n.store.Ping(n.ctx); err != nil {
		return fmt.Errorf("coordination store unreachable: %w", err)
	}

	gen, err := n.local.LoadGeneration()
	if err != nil {
		return fmt.Errorf("failed to load accepted generation: %w", err)
	}
	n.acceptedGeneration = gen

	workSub, err := n.store.Subscribe(n.ctx, coord.WorkChannel(n.id))
	if err != nil {
		return fmt.Errorf("failed to subscribe work channel: %w", err)
	}
	ctrlSub, err := n.store.Subscribe(n.ctx, coord.ControlChannel(n.id))
	if err != nil {
		workSub.Close()
		return fmt.Errorf("failed to subscribe control channel: %w", err)
	}

	if err := n.register(); err != nil {
		workSub.Close()
		ctrlSub.Close()
		return err
	}

	n.wg.Add(4)
	go n.watch(workSub, n.handleWork)
	go n.watch(ctrlSub, n.handleControl)
	go n.heartbeatLoop()
	go n.retryLoop()

	n.engine.Start()
	n.elector.Start()
	if err := n.sharder.Start(); err != nil {
		n.logger.Error().Err(err).Msg("sharder failed to start")
	}
	n.supervisor.Start()

	n.state.Store(types.KeeperStateFollower)
	if n.elector.IsLeader() {
		n.state.Store(types.KeeperStateLeader)
	}
	n.logger.Info().Uint64("accepted_generation", gen).Msg("keeper started")
	return nil
}

// Stop tears the node down: loops first, then the election (releasing
// the lease only if still held), then deregistration.
func (n *Node) Stop() {
	n.state.Store(types.KeeperStateStopping)
	n.logger.Info().Msg("keeper stopping")

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	n.supervisor.Stop()
	n.sharder.Stop()
	n.engine.Stop()
	n.elector.Stop()

	n.deregister()
	n.state.Store(types.KeeperStateStopped)
	n.logger.Info().Msg("keeper stopped")
}

func (n *Node) register() error {
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UnixMilli()
	info, err := json.Marshal(types.KeeperInfo{
		ID:            n.id,
		Host:          n.cfg.Keeper.Host,
		Capabilities:  n.cfg.Keeper.Capabilities,
		StartedAt:     now,
		LastHeartbeat: now,
	})
	if err != nil {
		return err
	}
	if err := n.store.HashSet(ctx, coord.KeyRegistry, n.id, info); err != nil {
		return fmt.Errorf("failed to register keeper: %w", err)
	}
	n.state.Store(types.KeeperStateRegistered)

	n.publishFleet(ctx, types.FleetKeeperJoined)
	n.broker.Publish(&events.Event{Type: events.EventKeeperRegistered, KeeperID: n.id})
	n.logger.Info().Str("host", n.cfg.Keeper.Host).Msg("registered in fleet")
	return nil
}

func (n *Node) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.store.HashDel(ctx, coord.KeyRegistry, n.id); err != nil {
		n.logger.Warn().Err(err).Msg("failed to deregister")
	}
	if err := n.store.Del(ctx, coord.HeartbeatKey(n.id)); err != nil && !errors.Is(err, coord.ErrNotFound) {
		n.logger.Warn().Err(err).Msg("failed to drop heartbeat key")
	}
	n.publishFleet(ctx, types.FleetKeeperLeft)
	n.broker.Publish(&events.Event{Type: events.EventKeeperDeregistered, KeeperID: n.id})
}

func (n *Node) watch(sub coord.Subscription, handle func([]byte)) {
	defer n.wg.Done()
	defer sub.Close()
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			handle(msg)
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	// First beat immediately; the supervisor treats silence as failure.
	n.sendHeartbeat()

	ticker := time.NewTicker(n.cfg.Heartbeat.Interval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.sendHeartbeat()
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Heartbeat.Interval.D())
	defer cancel()

	processed := n.processed.Load()
	workErrs := n.workErrs.Load()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hb, err := json.Marshal(types.Heartbeat{
		TS:         time.Now().UnixMilli(),
		Processed:  processed,
		Errors:     workErrs,
		QueueDepth: n.limiter.QueueDepth(),
		LatencyMs:  math.Float64frombits(n.latencyBits.Load()),
		Resources: types.ResourceSnapshot{
			Goroutines:    runtime.NumGoroutine(),
			HeapAllocByte: mem.HeapAlloc,
			SysBytes:      mem.Sys,
			UptimeSec:     int64(time.Since(n.startedAt).Seconds()),
		},
	})
	if err != nil {
		return
	}
	if err := n.store.SetEx(ctx, coord.HeartbeatKey(n.id), hb, n.cfg.Heartbeat.TTL.D()); err != nil {
		n.logger.Warn().Err(err).Msg("heartbeat write failed")
		return
	}
	metrics.HeartbeatsSent.Inc()

	n.refreshRegistry(ctx)
	n.flushProgress(ctx, processed, workErrs)
}

// refreshRegistry rewrites this keeper's registry entry with a fresh
// lastHeartbeat and the current assignment.
func (n *Node) refreshRegistry(ctx context.Context) {
	n.mu.Lock()
	var markets []string
	if n.assignment != nil {
		markets = n.assignment.Markets
	}
	n.mu.Unlock()

	info, err := json.Marshal(types.KeeperInfo{
		ID:            n.id,
		Host:          n.cfg.Keeper.Host,
		Capabilities:  n.cfg.Keeper.Capabilities,
		StartedAt:     n.startedAt.UnixMilli(),
		LastHeartbeat: time.Now().UnixMilli(),
		Assignment:    markets,
	})
	if err != nil {
		return
	}
	if err := n.store.HashSet(ctx, coord.KeyRegistry, n.id, info); err != nil {
		n.logger.Warn().Err(err).Msg("registry refresh failed")
	}
}

// flushProgress pushes the counter deltas since the last flush into
// the shared per-keeper progress hashes.
func (n *Node) flushProgress(ctx context.Context, processed, workErrs uint64) {
	if d := processed - n.reportedProcessed.Load(); d > 0 {
		if _, err := n.store.HashIncrBy(ctx, coord.KeyProgress, n.id, int64(d)); err == nil {
			n.reportedProcessed.Store(processed)
		}
	}
	if d := workErrs - n.reportedErrs.Load(); d > 0 {
		if _, err := n.store.HashIncrBy(ctx, coord.KeyErrors, n.id, int64(d)); err == nil {
			n.reportedErrs.Store(workErrs)
		}
	}
}

// handleWork applies one published assignment. Only a generation
// strictly beyond the last accepted one is taken; replays and
// out-of-order deliveries are rejected.
func (n *Node) handleWork(msg []byte) {
	var wm types.WorkMessage
	if err := json.Unmarshal(msg, &wm); err != nil {
		n.logger.Warn().Err(err).Msg("undecodable work message")
		return
	}

	n.mu.Lock()
	if wm.Generation <= n.acceptedGeneration {
		accepted := n.acceptedGeneration
		n.mu.Unlock()
		metrics.AssignmentsRejected.Inc()
		n.broker.Publish(&events.Event{Type: events.EventWorkRejected, KeeperID: n.id})
		n.logger.Debug().Uint64("generation", wm.Generation).Uint64("accepted", accepted).
			Msg("stale assignment rejected")
		return
	}
	n.assignment = &types.Assignment{
		Markets:    wm.Markets,
		Generation: wm.Generation,
		ReceivedAt: time.Now(),
	}
	n.acceptedGeneration = wm.Generation
	n.mu.Unlock()

	if err := n.local.SaveGeneration(wm.Generation); err != nil {
		n.logger.Warn().Err(err).Msg("failed to persist accepted generation")
	}
	n.engine.SetAssignment(wm.Markets)

	metrics.AssignmentsAccepted.Inc()
	metrics.AssignmentSize.Set(float64(len(wm.Markets)))
	metrics.AssignmentGeneration.Set(float64(wm.Generation))
	n.broker.Publish(&events.Event{Type: events.EventWorkAssigned, KeeperID: n.id})
	n.logger.Info().Uint64("generation", wm.Generation).Int("markets", len(wm.Markets)).
		Msg("assignment accepted")
}

func (n *Node) handleControl(msg []byte) {
	var cmd types.ControlMessage
	if err := json.Unmarshal(msg, &cmd); err != nil {
		n.logger.Warn().Err(err).Msg("undecodable control message")
		return
	}
	switch cmd.Command {
	case types.ControlBecomeLeader:
		n.elector.AssumeLeadership(n.ctx)
	default:
		n.logger.Warn().Str("command", cmd.Command).Msg("unknown control command")
	}
}

// ReportWorkError records one failed market operation and queues it
// for retry. Wired as the ingestion engine's error sink.
func (n *Node) ReportWorkError(marketID string, workErr error) {
	n.workErrs.Add(1)

	rec, err := json.Marshal(types.RetryRecord{
		MarketID: marketID,
		KeeperID: n.id,
		Error:    workErr.Error(),
		TS:       time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.store.ListPush(ctx, coord.KeyRetryQueue, rec); err != nil {
		n.logger.Warn().Str("market_id", marketID).Err(err).Msg("retry enqueue failed")
	}
}

func (n *Node) retryLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.RetryQueue.DrainInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.drainRetries(n.ctx)
		case <-n.ctx.Done():
			return
		}
	}
}

// drainRetries pops up to a batch of retry records. Records for owned
// markets are reprocessed; the rest go back on the queue for whichever
// keeper owns them now. Requeues happen after the loop so one drain
// cannot chase its own tail.
func (n *Node) drainRetries(ctx context.Context) {
	var requeue [][]byte

	for i := 0; i < n.cfg.RetryQueue.DrainBatch; i++ {
		raw, err := n.store.ListPop(ctx, coord.KeyRetryQueue)
		if err != nil {
			if !errors.Is(err, coord.ErrNotFound) && ctx.Err() == nil {
				n.logger.Warn().Err(err).Msg("retry pop failed")
			}
			break
		}
		var rec types.RetryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			metrics.RetryDrained.WithLabelValues("dropped").Inc()
			continue
		}

		n.mu.Lock()
		owned := n.assignment.Contains(rec.MarketID)
		n.mu.Unlock()
		if !owned {
			requeue = append(requeue, raw)
			metrics.RetryDrained.WithLabelValues("requeued").Inc()
			continue
		}

		start := time.Now()
		if err := n.engine.Reprocess(rec.MarketID); err != nil {
			// The engine already re-queued it through the error sink.
			metrics.RetryDrained.WithLabelValues("failed").Inc()
			continue
		}
		n.observeLatency(time.Since(start))
		n.processed.Add(1)
		metrics.RetryDrained.WithLabelValues("processed").Inc()
	}

	for _, raw := range requeue {
		if err := n.store.ListPush(ctx, coord.KeyRetryQueue, raw); err != nil {
			n.logger.Warn().Err(err).Msg("retry requeue failed")
		}
	}
}

// observeLatency folds one operation duration into the reported
// latency as an exponential moving average.
func (n *Node) observeLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	for {
		old := n.latencyBits.Load()
		prev := math.Float64frombits(old)
		next := ms
		if prev > 0 {
			next = 0.8*prev + 0.2*ms
		}
		if n.latencyBits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (n *Node) onElected() {
	n.state.Store(types.KeeperStateLeader)
	// A fresh leader publishes a distribution right away instead of
	// waiting out the reshard interval.
	go func() {
		if err := n.sharder.Reshard(n.ctx); err != nil && n.ctx.Err() == nil {
			n.logger.Error().Err(err).Msg("post-election reshard failed")
		}
	}()
}

func (n *Node) onDemoted() {
	n.state.Store(types.KeeperStateFollower)
}

func (n *Node) publishFleet(ctx context.Context, eventType string) {
	msg, err := json.Marshal(types.FleetEvent{Type: eventType, KeeperID: n.id})
	if err != nil {
		return
	}
	if err := n.store.Publish(ctx, coord.ChannelEvents, msg); err != nil {
		n.logger.Warn().Str("event", eventType).Err(err).Msg("fleet event publish failed")
	}
}

// Assignment returns a copy of the currently accepted assignment, nil
// before the first acceptance.
func (n *Node) Assignment() *types.Assignment {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.assignment == nil {
		return nil
	}
	cp := *n.assignment
	cp.Markets = append([]string(nil), n.assignment.Markets...)
	return &cp
}

// MarkProcessed advances the processed counter; the heartbeat loop
// flushes it into the shared progress hash.
func (n *Node) MarkProcessed(delta uint64) {
	n.processed.Add(delta)
}

// Status snapshots the node for the admin API.
func (n *Node) Status() Status {
	n.mu.Lock()
	gen := n.acceptedGeneration
	size := 0
	if n.assignment != nil {
		size = len(n.assignment.Markets)
	}
	n.mu.Unlock()

	return Status{
		KeeperID:       n.id,
		State:          string(n.State()),
		IsLeader:       n.elector.IsLeader(),
		Generation:     gen,
		AssignmentSize: size,
		Processed:      n.processed.Load(),
		Errors:         n.workErrs.Load(),
		QueueDepth:     n.limiter.QueueDepth(),
		Tier:           n.limiter.Tier(),
		EmergencyMode:  n.limiter.EmergencyMode(),
		VersesTracked:  n.engine.Verses().Len(),
		Markets:        n.engine.Markets().Len(),
		UptimeSec:      int64(time.Since(n.startedAt).Seconds()),
		LatencyMs:      math.Float64frombits(n.latencyBits.Load()),
	}
}

// Sample implements metrics.Source.
func (n *Node) Sample() metrics.Sample {
	st := n.Status()
	return metrics.Sample{
		IsLeader:       st.IsLeader,
		State:          st.State,
		AssignmentSize: st.AssignmentSize,
		Generation:     st.Generation,
		VersesTracked:  st.VersesTracked,
		QueueDepth:     st.QueueDepth,
		EmergencyMode:  st.EmergencyMode,
		BucketsByClass: n.limiter.BucketLevels(),
	}
}
