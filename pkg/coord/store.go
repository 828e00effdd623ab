package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("key not found")

// Well-known coordination keys and channels.
const (
	KeyRegistry     = "keepers:registry"
	KeyLeaderLock   = "keeper:leader:lock"
	KeyDistribution = "keeper:work:distribution"
	KeyProgress     = "keeper:progress"
	KeyErrors       = "keeper:errors"
	KeyRetryQueue   = "keeper:retry:queue"
	ChannelEvents   = "keeper:events"
)

// HeartbeatKey returns the TTL key a keeper writes its liveness under.
func HeartbeatKey(keeperID string) string {
	return "keeper:" + keeperID + ":heartbeat"
}

// WorkChannel returns the channel a keeper's assignments arrive on.
func WorkChannel(keeperID string) string {
	return "keeper:" + keeperID + ":work"
}

// ControlChannel returns the channel a keeper's control commands arrive
// on.
func ControlChannel(keeperID string) string {
	return "keeper:" + keeperID + ":control"
}

// Subscription is one active channel subscription. Messages arrives on
// C until Close.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// Store is the coordination substrate contract. Values are opaque byte
// strings; higher layers encode JSON. Every compound value (registry
// entry, distribution map) is written whole; no multi-key transaction
// is assumed.
type Store interface {
	// Hash operations back the registry, distribution map and shared
	// counters.
	HashSet(ctx context.Context, hash, field string, value []byte) error
	HashGet(ctx context.Context, hash, field string) ([]byte, error)
	HashDel(ctx context.Context, hash, field string) error
	HashGetAll(ctx context.Context, hash string) (map[string][]byte, error)
	HashIncrBy(ctx context.Context, hash, field string, delta int64) (int64, error)

	// TTL string operations back heartbeats.
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error

	// Lease operations back leader election. SetIfAbsent acquires,
	// Extend refreshes, SetIfExists overwrites a live lease during
	// promotion.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	SetIfExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Pub/sub backs work, control and fleet-event channels.
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// List operations back the shared retry queue.
	ListPush(ctx context.Context, queue string, msg []byte) error
	ListPop(ctx context.Context, queue string) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}
