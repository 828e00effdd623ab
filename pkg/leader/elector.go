package leader

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/versemarket/keeperd/pkg/coord"
	"github.com/versemarket/keeperd/pkg/events"
	"github.com/versemarket/keeperd/pkg/log"
	"github.com/versemarket/keeperd/pkg/metrics"
)

// Elector runs lease-based leader election for one keeper. The lease
// is a TTL key holding the leader's id; whoever writes it first leads.
// The leader extends it at a third of the TTL and demotes itself the
// moment the stored value is not its own id. Followers re-campaign on
// every reverify tick while the key is absent.
//
// Mutual exclusion is lease-scoped, not linearizable: a paused leader
// may overlap a newly elected one for at most one TTL. Chain updates
// tolerate this because verse versions are idempotent per (verse,
// version).
type Elector struct {
	id       string
	store    coord.Store
	broker   *events.Broker
	leaseTTL time.Duration
	reverify time.Duration

	onElected func()
	onDemoted func()

	leader atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewElector creates an elector. onElected and onDemoted fire on every
// transition, from the election loop's goroutine; they may be nil.
func NewElector(id string, store coord.Store, broker *events.Broker, leaseTTL, reverify time.Duration, onElected, onDemoted func()) *Elector {
	return &Elector{
		id:        id,
		store:     store,
		broker:    broker,
		leaseTTL:  leaseTTL,
		reverify:  reverify,
		onElected: onElected,
		onDemoted: onDemoted,
		logger:    log.WithComponent("elector").With().Str("keeper_id", id).Logger(),
	}
}

// IsLeader reports whether this keeper currently holds the lease.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Start campaigns immediately and launches the election loop.
func (e *Elector) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.campaign()

	e.wg.Add(1)
	go e.run()
}

// Stop halts the loop and releases the lease if this keeper still
// holds it.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.release()
}

func (e *Elector) run() {
	defer e.wg.Done()
	for {
		interval := e.reverify
		if e.leader.Load() {
			// Extend well inside the TTL so one slow write does not
			// cost the lease.
			interval = e.leaseTTL / 3
		}

		select {
		case <-time.After(interval):
		case <-e.ctx.Done():
			return
		}

		if e.leader.Load() {
			e.extend()
		} else {
			e.campaign()
		}
	}
}

// campaign tries to acquire the lease. Losing is the normal case.
func (e *Elector) campaign() {
	ok, err := e.store.SetIfAbsent(e.ctx, coord.KeyLeaderLock, []byte(e.id), e.leaseTTL)
	if err != nil {
		e.logger.Warn().Err(err).Msg("campaign failed")
		return
	}
	if ok {
		e.promote("campaign")
	}
}

// extend refreshes the lease, but only while the stored value is still
// this keeper's id. Anything else means the lease was lost or taken
// over, and the only correct move is immediate demotion.
func (e *Elector) extend() {
	val, err := e.store.Get(e.ctx, coord.KeyLeaderLock)
	if err != nil {
		if errors.Is(err, coord.ErrNotFound) {
			e.demote("lease expired")
			return
		}
		e.logger.Warn().Err(err).Msg("lease check failed")
		return
	}
	if !bytes.Equal(val, []byte(e.id)) {
		e.demote("lease held by " + string(val))
		return
	}
	if err := e.store.Extend(e.ctx, coord.KeyLeaderLock, e.leaseTTL); err != nil {
		e.logger.Warn().Err(err).Msg("lease extend failed")
	}
}

// AssumeLeadership handles a become_leader control command: the
// supervisor that promoted this keeper already wrote the lease, so
// leadership is assumed only after verifying the stored value really
// is this keeper's id.
func (e *Elector) AssumeLeadership(ctx context.Context) bool {
	val, err := e.store.Get(ctx, coord.KeyLeaderLock)
	if err != nil || !bytes.Equal(val, []byte(e.id)) {
		e.logger.Warn().Err(err).Msg("become_leader ignored, lease not ours")
		return false
	}
	e.promote("promotion")
	return true
}

func (e *Elector) promote(how string) {
	if e.leader.Swap(true) {
		return
	}
	metrics.IsLeader.Set(1)
	e.logger.Info().Str("via", how).Msg("elected leader")
	e.broker.Publish(&events.Event{Type: events.EventLeaderElected, KeeperID: e.id})
	if e.onElected != nil {
		e.onElected()
	}
}

func (e *Elector) demote(why string) {
	if !e.leader.Swap(false) {
		return
	}
	metrics.IsLeader.Set(0)
	e.logger.Warn().Str("reason", why).Msg("demoted")
	e.broker.Publish(&events.Event{Type: events.EventLeaderLost, KeeperID: e.id})
	if e.onDemoted != nil {
		e.onDemoted()
	}
}

// release deletes the lease iff this keeper still owns it.
func (e *Elector) release() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := e.store.Get(ctx, coord.KeyLeaderLock)
	if err == nil && bytes.Equal(val, []byte(e.id)) {
		if err := e.store.Del(ctx, coord.KeyLeaderLock); err != nil {
			e.logger.Warn().Err(err).Msg("lease release failed")
		}
	}
	e.demote("shutdown")
}
