package types

import (
	"time"
)

// Market is the coordinator's read-through view of a provider market.
// Prices and weights arrive as strings on the wire and are parsed into
// floats at the provider boundary.
type Market struct {
	ID         string
	Question   string
	Outcomes   []string
	YesPrice   float64 // last yes-side probability in [0,1]
	LastPrice  float64
	Volume     float64
	Liquidity  float64
	Resolved   bool
	Resolution string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Weight is the aggregation weight of the market: volume x liquidity.
func (m *Market) Weight() float64 {
	return m.Volume * m.Liquidity
}

// CachedPrice is one price-cache entry. An entry is "hot" iff ObservedAt
// falls within the hot window.
type CachedPrice struct {
	MarketID     string
	LastYesPrice float64
	ObservedAt   time.Time
}

// PriceUpdate is an inbound push-stream price event.
type PriceUpdate struct {
	MarketID   string
	YesPrice   float64
	ObservedAt time.Time
}

// Resolution is an inbound push-stream resolution event.
type Resolution struct {
	MarketID   string
	Resolution string
	ObservedAt time.Time
}

// Dispute is an inbound push-stream dispute event. The coordinator
// records it but takes no action.
type Dispute struct {
	MarketID   string
	Disputed   bool
	ObservedAt time.Time
}

// KeeperState is the lifecycle state of a keeper node.
type KeeperState string

const (
	KeeperStateStarting   KeeperState = "starting"
	KeeperStateRegistered KeeperState = "registered"
	KeeperStateLeader     KeeperState = "leader"
	KeeperStateFollower   KeeperState = "follower"
	KeeperStateStopping   KeeperState = "stopping"
	KeeperStateStopped    KeeperState = "stopped"
)

// HealthLevel is the supervisor's classification of a keeper.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthFailed   HealthLevel = "failed"
)

// KeeperInfo is the registry entry for one keeper. Stored as a whole
// JSON value under keepers:registry; the owning keeper is the only
// writer in the steady state.
type KeeperInfo struct {
	ID            string   `json:"id"`
	Host          string   `json:"host"`
	Capabilities  []string `json:"capabilities"`
	StartedAt     int64    `json:"started_at"`     // unix ms
	LastHeartbeat int64    `json:"last_heartbeat"` // unix ms
	Assignment    []string `json:"assignment"`
}

// Heartbeat is the liveness record written under keeper:<id>:heartbeat
// with a 30 s TTL. Absence past the TTL means failed.
type Heartbeat struct {
	TS         int64            `json:"ts"` // unix ms
	Processed  uint64           `json:"processed"`
	Errors     uint64           `json:"errors"`
	QueueDepth int              `json:"queue_depth"`
	LatencyMs  float64          `json:"latency_ms"`
	Resources  ResourceSnapshot `json:"resources"`
}

// ErrorRate is errors / max(processed, 1).
func (h *Heartbeat) ErrorRate() float64 {
	p := h.Processed
	if p == 0 {
		p = 1
	}
	return float64(h.Errors) / float64(p)
}

// ResourceSnapshot captures process-level resource usage at heartbeat
// time.
type ResourceSnapshot struct {
	Goroutines    int    `json:"goroutines"`
	HeapAllocByte uint64 `json:"heap_alloc_bytes"`
	SysBytes      uint64 `json:"sys_bytes"`
	UptimeSec     int64  `json:"uptime_s"`
}

// WorkMessage is published on keeper:<id>:work. Keepers accept it only
// if Generation exceeds their last accepted generation.
type WorkMessage struct {
	Markets    []string `json:"markets"`
	TS         int64    `json:"ts"` // unix ms
	Generation uint64   `json:"generation"`
}

// ControlMessage is published on keeper:<id>:control.
type ControlMessage struct {
	Command string `json:"command"`
}

// Control commands.
const (
	ControlBecomeLeader = "become_leader"
)

// FleetEvent is published on the shared keeper:events channel.
type FleetEvent struct {
	Type     string `json:"type"`
	KeeperID string `json:"keeper_id"`
}

// Fleet event types.
const (
	FleetKeeperJoined    = "keeper_joined"
	FleetKeeperLeft      = "keeper_left"
	FleetKeeperFailed    = "keeper_failed"
	FleetKeeperRemoved   = "keeper_removed"
	FleetKeeperRecovered = "keeper_recovered"
	FleetCriticalFailure = "critical_failure"
)

// RetryRecord is one entry on the shared keeper:retry:queue list.
type RetryRecord struct {
	MarketID string `json:"market_id"`
	KeeperID string `json:"keeper_id"`
	Error    string `json:"error"`
	TS       int64  `json:"ts"` // unix ms
}

// Assignment is a keeper's currently accepted shard of the market
// universe.
type Assignment struct {
	Markets    []string
	Generation uint64
	ReceivedAt time.Time
}

// Contains reports whether the market id falls in this assignment.
func (a *Assignment) Contains(marketID string) bool {
	if a == nil {
		return false
	}
	for _, id := range a.Markets {
		if id == marketID {
			return true
		}
	}
	return false
}
