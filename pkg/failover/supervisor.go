package failover

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/config"
	"github.com/versemarket/keeperd/pkg/coord"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/health"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
	"github.com/versemarket/keeperd/pkg/types"
)

// track is the supervisor's memory of one keeper between ticks.
type track struct {
	failures int
	failed   bool
}

// Supervisor watches the whole fleet from one keeper. Every tick it
// classifies every registered keeper's heartbeat and reacts:
//
//   - a keeper failing maxConsecutiveFailures ticks in a row is
//     permanently removed and its markets redistributed (leader only);
//   - a failed leader-lease holder is replaced by the best healthy
//     keeper via an atomic lease overwrite (any supervisor may act,
//     since there is no live leader to defer to);
//   - a tracked-failed keeper that heartbeats again is reinstated.
//
// The supervisor runs on every keeper; destructive actions are gated
// on holding the lease so at most one supervisor mutates shared state
// at a time.
type Supervisor struct {
	selfID     string
	store      coord.Store
	broker     *events.Broker
	isLeader   func() bool
	cfg        config.FailoverConfig
	leaseTTL   time.Duration
	thresholds health.Thresholds

	mu       sync.Mutex
	tracking map[string]*track
	removed  map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewSupervisor creates a fleet supervisor.
func NewSupervisor(selfID string, store coord.Store, broker *events.Broker, isLeader func() bool, cfg config.FailoverConfig, leaseTTL time.Duration) *Supervisor {
	return &Supervisor{
		selfID:   selfID,
		store:    store,
		broker:   broker,
		isLeader: isLeader,
		cfg:      cfg,
		leaseTTL: leaseTTL,
		thresholds: health.Thresholds{
			DegradedAfter: cfg.DegradedAfter.D(),
			FailedAfter:   cfg.FailedAfter.D(),
			MaxErrorRate:  cfg.MaxErrorRate,
			MaxLatencyMs:  cfg.MaxLatencyMs,
		},
		tracking: make(map[string]*track),
		removed:  make(map[string]time.Time),
		logger:   log.WithComponent("supervisor").With().Str("keeper_id", selfID).Logger(),
	}
}

// Start launches the health-check loop.
func (s *Supervisor) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run()
}

// Stop halts the loop.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

// Tick runs one full health sweep over the fleet.
func (s *Supervisor) Tick(ctx context.Context) {
	entries, err := s.store.HashGetAll(ctx, coord.KeyRegistry)
	if err != nil {
		s.logger.Warn().Err(err).Msg("registry read failed")
		return
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	leaseHolder := s.leaseHolder(ctx)
	now := time.Now()
	counts := map[types.HealthLevel]int{}

	for _, id := range ids {
		hb := s.heartbeat(ctx, id)
		level := health.Classify(hb, now, s.thresholds)
		counts[level]++

		if level == types.HealthFailed {
			s.handleFailure(ctx, id, id == leaseHolder, ids)
		} else {
			s.handleAlive(ctx, id)
		}
	}
	s.pruneRemoved(now)
	s.dropVanished(entries)

	for _, level := range []types.HealthLevel{types.HealthHealthy, types.HealthDegraded, types.HealthFailed} {
		metrics.FleetKeepers.WithLabelValues(string(level)).Set(float64(counts[level]))
	}
}

// handleFailure advances one keeper's consecutive-failure count and
// reacts when thresholds trip.
func (s *Supervisor) handleFailure(ctx context.Context, id string, holdsLease bool, fleet []string) {
	s.mu.Lock()
	tr, ok := s.tracking[id]
	if !ok {
		tr = &track{}
		s.tracking[id] = tr
	}
	tr.failures++
	first := !tr.failed
	tr.failed = true
	failures := tr.failures
	s.mu.Unlock()

	if first {
		s.logger.Warn().Str("failed_id", id).Msg("keeper classified failed")
		s.publishFleet(ctx, types.FleetKeeperFailed, id)
		s.broker.Publish(&events.Event{Type: events.EventKeeperFailed, KeeperID: id})
	}

	// A dead lease holder blocks the whole fleet; any supervisor may
	// promote a replacement because the lease overwrite is atomic.
	if holdsLease {
		s.promoteReplacement(ctx, id, fleet)
	}

	if failures >= s.cfg.MaxConsecutiveFailures && s.isLeader() {
		s.removePermanently(ctx, id)
	}
}

// handleAlive resets failure tracking and reinstates keepers that were
// failed or recently removed.
func (s *Supervisor) handleAlive(ctx context.Context, id string) {
	s.mu.Lock()
	recovered := false
	if tr, ok := s.tracking[id]; ok && tr.failed {
		tr.failed = false
		tr.failures = 0
		recovered = true
	} else if ok {
		tr.failures = 0
	}
	if _, wasRemoved := s.removed[id]; wasRemoved {
		delete(s.removed, id)
		recovered = true
	}
	s.mu.Unlock()

	if recovered {
		metrics.Failovers.WithLabelValues("recover").Inc()
		s.publishFleet(ctx, types.FleetKeeperRecovered, id)
		s.broker.Publish(&events.Event{Type: events.EventKeeperRecovered, KeeperID: id})
		s.logger.Info().Str("recovered_id", id).Msg("keeper recovered")
	}
}

// removePermanently deletes a keeper that failed too many consecutive
// checks and hands its markets to the survivors. Leader only.
func (s *Supervisor) removePermanently(ctx context.Context, id string) {
	if err := s.store.HashDel(ctx, coord.KeyRegistry, id); err != nil {
		s.logger.Error().Str("failed_id", id).Err(err).Msg("registry removal failed")
		return
	}
	if err := s.store.Del(ctx, coord.HeartbeatKey(id)); err != nil {
		s.logger.Warn().Str("failed_id", id).Err(err).Msg("heartbeat cleanup failed")
	}

	s.mu.Lock()
	delete(s.tracking, id)
	// Remember the removal so a quick re-register is reported as a
	// recovery, not a brand-new keeper.
	s.removed[id] = time.Now()
	s.mu.Unlock()

	metrics.Failovers.WithLabelValues("remove").Inc()
	s.publishFleet(ctx, types.FleetKeeperRemoved, id)
	s.broker.Publish(&events.Event{Type: events.EventKeeperRemoved, KeeperID: id})
	s.logger.Warn().Str("failed_id", id).Int("threshold", s.cfg.MaxConsecutiveFailures).
		Msg("keeper permanently removed")

	s.Redistribute(ctx, id)
}

// Redistribute hands a removed keeper's markets round-robin to the
// surviving entries of the stored distribution and publishes the new
// map under a bumped generation.
func (s *Supervisor) Redistribute(ctx context.Context, failedID string) {
	raw, err := s.store.HashGet(ctx, coord.KeyDistribution, "current")
	if err != nil {
		s.logger.Warn().Err(err).Msg("no stored distribution to redistribute")
		return
	}
	var dist types.Distribution
	if err := json.Unmarshal(raw, &dist); err != nil {
		s.logger.Error().Err(err).Msg("stored distribution undecodable")
		return
	}

	survivors, orphans := dist.Without(failedID)
	if len(survivors) == 0 {
		metrics.Failovers.WithLabelValues("critical").Inc()
		s.publishFleet(ctx, types.FleetCriticalFailure, failedID)
		s.broker.Publish(&events.Event{Type: events.EventCriticalFailure, KeeperID: failedID})
		s.logger.Error().Msg("no surviving keepers, fleet is down")
		return
	}
	for i, m := range orphans {
		survivors[i%len(survivors)].Markets = append(survivors[i%len(survivors)].Markets, m)
	}

	out, err := json.Marshal(survivors)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode redistribution")
		return
	}
	if err := s.store.HashSet(ctx, coord.KeyDistribution, "current", out); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist redistribution")
		return
	}
	ts := time.Now().UnixMilli()
	if err := s.store.HashSet(ctx, coord.KeyDistribution, "timestamp", []byte(strconv.FormatInt(ts, 10))); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist redistribution timestamp")
	}
	gen, err := s.store.HashIncrBy(ctx, coord.KeyDistribution, "generation", 1)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to bump generation")
		return
	}

	for _, entry := range survivors {
		msg, err := json.Marshal(types.WorkMessage{
			Markets:    entry.Markets,
			TS:         ts,
			Generation: uint64(gen),
		})
		if err != nil {
			continue
		}
		if err := s.store.Publish(ctx, coord.WorkChannel(entry.KeeperID), msg); err != nil {
			s.logger.Warn().Str("keeper_id", entry.KeeperID).Err(err).Msg("work publish failed")
		}
	}

	metrics.RedistributedMarkets.Add(float64(len(orphans)))
	metrics.Failovers.WithLabelValues("redistribute").Inc()
	s.broker.Publish(&events.Event{Type: events.EventWorkRedistributed, KeeperID: failedID})
	s.logger.Info().Str("failed_id", failedID).Int("markets", len(orphans)).
		Uint64("generation", uint64(gen)).Msg("markets redistributed")
}

// promoteReplacement replaces a dead lease holder with the healthiest
// keeper by failure score. The overwrite only succeeds while the dead
// leader's lease is still alive; once it expires, normal campaigning
// takes over and nothing is lost.
func (s *Supervisor) promoteReplacement(ctx context.Context, deadID string, fleet []string) {
	now := time.Now()
	best := ""
	bestScore := -1.0
	for _, id := range fleet {
		if id == deadID {
			continue
		}
		hb := s.heartbeat(ctx, id)
		if health.Classify(hb, now, s.thresholds) != types.HealthHealthy {
			continue
		}
		if score := health.Score(hb); score > bestScore {
			best, bestScore = id, score
		}
	}

	if best == "" {
		metrics.Failovers.WithLabelValues("critical").Inc()
		s.publishFleet(ctx, types.FleetCriticalFailure, deadID)
		s.broker.Publish(&events.Event{Type: events.EventCriticalFailure, KeeperID: deadID})
		s.logger.Error().Str("failed_id", deadID).Msg("leader failed and no healthy replacement exists")
		return
	}

	ok, err := s.store.SetIfExists(ctx, coord.KeyLeaderLock, []byte(best), s.leaseTTL)
	if err != nil {
		s.logger.Warn().Err(err).Msg("lease takeover failed")
		return
	}
	if !ok {
		// The lease already expired; election handles it from here.
		return
	}

	cmd, _ := json.Marshal(types.ControlMessage{Command: types.ControlBecomeLeader})
	if err := s.store.Publish(ctx, coord.ControlChannel(best), cmd); err != nil {
		s.logger.Warn().Str("keeper_id", best).Err(err).Msg("become_leader publish failed")
	}
	metrics.Failovers.WithLabelValues("promote").Inc()
	s.logger.Warn().Str("failed_id", deadID).Str("promoted_id", best).
		Float64("score", bestScore).Msg("promoted replacement leader")
}

func (s *Supervisor) heartbeat(ctx context.Context, id string) *types.Heartbeat {
	raw, err := s.store.Get(ctx, coord.HeartbeatKey(id))
	if err != nil {
		return nil
	}
	var hb types.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return nil
	}
	return &hb
}

func (s *Supervisor) leaseHolder(ctx context.Context) string {
	val, err := s.store.Get(ctx, coord.KeyLeaderLock)
	if err != nil {
		return ""
	}
	return string(val)
}

func (s *Supervisor) publishFleet(ctx context.Context, eventType, keeperID string) {
	msg, err := json.Marshal(types.FleetEvent{Type: eventType, KeeperID: keeperID})
	if err != nil {
		return
	}
	if err := s.store.Publish(ctx, coord.ChannelEvents, msg); err != nil {
		s.logger.Warn().Str("event", eventType).Err(err).Msg("fleet event publish failed")
	}
}

// pruneRemoved forgets removals older than the recovery window.
func (s *Supervisor) pruneRemoved(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.removed {
		if now.Sub(at) > s.cfg.RecoveryTimeout.D() {
			delete(s.removed, id)
		}
	}
}

// dropVanished stops tracking keepers that deregistered cleanly.
func (s *Supervisor) dropVanished(registry map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.tracking {
		if _, ok := registry[id]; !ok {
			delete(s.tracking, id)
		}
	}
}
