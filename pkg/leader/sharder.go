package leader

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/coord"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/types"
)

// Universe supplies the current market universe in a deterministic
// order.
type Universe func() []string

// Sharder is the leader's work distributor. It partitions the market
// universe across active keepers by hashing each market id onto a slot,
// persists the distribution with a monotonically increasing generation,
// and publishes one WorkMessage per keeper. It runs on every keeper but
// only acts while this keeper holds the lease.
type Sharder struct {
	store        coord.Store
	broker       *events.Broker
	universe     Universe
	isLeader     func() bool
	interval     time.Duration
	heartbeatTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewSharder creates a sharder gated on isLeader.
func NewSharder(store coord.Store, broker *events.Broker, universe Universe, isLeader func() bool, interval, heartbeatTTL time.Duration) *Sharder {
	return &Sharder{
		store:        store,
		broker:       broker,
		universe:     universe,
		isLeader:     isLeader,
		interval:     interval,
		heartbeatTTL: heartbeatTTL,
		logger:       log.WithComponent("sharder"),
	}
}

// Start launches the reshard loop: every interval tick, plus every
// fleet event (a keeper joining or leaving should not wait half a
// minute for work).
func (s *Sharder) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sub, err := s.store.Subscribe(s.ctx, coord.ChannelEvents)
	if err != nil {
		s.cancel()
		return err
	}

	s.wg.Add(1)
	go s.run(sub)
	return nil
}

// Stop halts the loop.
func (s *Sharder) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sharder) run(sub coord.Subscription) {
	defer s.wg.Done()
	defer sub.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			var ev types.FleetEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			s.logger.Debug().Str("event", ev.Type).Str("keeper_id", ev.KeeperID).Msg("fleet event")
		case <-s.ctx.Done():
			return
		}

		if s.isLeader() {
			if err := s.Reshard(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("reshard failed")
			}
		}
	}
}

// Reshard computes and publishes a fresh distribution of the current
// universe across the currently active keepers.
func (s *Sharder) Reshard(ctx context.Context) error {
	keepers, err := s.ActiveKeepers(ctx)
	if err != nil {
		return err
	}
	if len(keepers) == 0 {
		// Publishing an empty distribution would orphan every market.
		// Keep the last stored map and scream.
		s.logger.Error().Msg("no active keepers, refusing to publish an empty distribution")
		return nil
	}

	markets := s.universe()
	dist := Shard(markets, keepers)

	gen, err := s.persist(ctx, dist)
	if err != nil {
		return err
	}

	for _, entry := range dist {
		msg, err := json.Marshal(types.WorkMessage{
			Markets:    entry.Markets,
			TS:         time.Now().UnixMilli(),
			Generation: gen,
		})
		if err != nil {
			return err
		}
		if err := s.store.Publish(ctx, coord.WorkChannel(entry.KeeperID), msg); err != nil {
			s.logger.Warn().Str("keeper_id", entry.KeeperID).Err(err).Msg("work publish failed")
		}
	}

	s.broker.Publish(&events.Event{
		Type: events.EventWorkAssigned,
		Metadata: map[string]string{
			"generation": strconv.FormatUint(gen, 10),
			"keepers":    strconv.Itoa(len(keepers)),
			"markets":    strconv.Itoa(len(markets)),
		},
	})
	s.logger.Info().Uint64("generation", gen).Int("keepers", len(keepers)).
		Int("markets", len(markets)).Msg("distribution published")
	return nil
}

// ActiveKeepers returns the sorted ids of registry keepers whose
// heartbeat is fresh within the TTL. The registry is a hash keyed by
// keeper id, so a duplicate registration simply overwrites: last write
// wins.
func (s *Sharder) ActiveKeepers(ctx context.Context) ([]string, error) {
	entries, err := s.store.HashGetAll(ctx, coord.KeyRegistry)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.heartbeatTTL).UnixMilli()
	active := make([]string, 0, len(entries))
	for id := range entries {
		raw, err := s.store.Get(ctx, coord.HeartbeatKey(id))
		if err != nil {
			continue
		}
		var hb types.Heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil || hb.TS < cutoff {
			continue
		}
		active = append(active, id)
	}
	sort.Strings(active)
	return active, nil
}

// persist stores the distribution map and bumps the generation
// counter. HashIncrBy keeps the generation monotonic across leader
// handoffs without any coordination between successive leaders.
func (s *Sharder) persist(ctx context.Context, dist types.Distribution) (uint64, error) {
	raw, err := json.Marshal(dist)
	if err != nil {
		return 0, err
	}
	if err := s.store.HashSet(ctx, coord.KeyDistribution, "current", raw); err != nil {
		return 0, err
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := s.store.HashSet(ctx, coord.KeyDistribution, "timestamp", []byte(ts)); err != nil {
		return 0, err
	}
	gen, err := s.store.HashIncrBy(ctx, coord.KeyDistribution, "generation", 1)
	if err != nil {
		return 0, err
	}
	return uint64(gen), nil
}

// Shard deterministically partitions markets across keepers: each
// market lands on slot Hash(id) mod len(keepers). Every keeper gets an
// entry, possibly with an empty list, so an idle keeper still learns
// the new generation. Keepers must be sorted; every caller passing the
// same universe and keeper set derives the same map.
func Shard(markets []string, keepers []string) types.Distribution {
	dist := make(types.Distribution, len(keepers))
	for i, id := range keepers {
		dist[i] = types.DistributionEntry{KeeperID: id, Markets: []string{}}
	}
	if len(keepers) == 0 {
		return dist
	}
	for _, m := range markets {
		slot := Hash(m) % len(keepers)
		dist[slot].Markets = append(dist[slot].Markets, m)
	}
	return dist
}

// Hash is the 32-bit string hash the fleet agreed on for shard
// placement: h = h*31 + codeUnit over UTF-16 code units, absolute
// value. Changing it would reshuffle every market on the next reshard.
func Hash(s string) int {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(u)
	}
	h64 := int64(h)
	if h64 < 0 {
		h64 = -h64
	}
	return int(h64)
}
