package coord

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node
// runs. TTLs expire lazily on read; pub/sub fans out over buffered
// channels.
type MemoryStore struct {
	mu     sync.Mutex
	hashes map[string]map[string][]byte
	keys   map[string]memEntry
	lists  map[string][][]byte
	subs   map[string][]*memorySubscription
	closed bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string]map[string][]byte),
		keys:   make(map[string]memEntry),
		lists:  make(map[string][][]byte),
		subs:   make(map[string][]*memorySubscription),
	}
}

func (s *MemoryStore) HashSet(ctx context.Context, hash, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[hash]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[hash] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) HashGet(ctx context.Context, hash, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.hashes[hash][field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStore) HashDel(ctx context.Context, hash, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.hashes[hash], field)
	return nil
}

func (s *MemoryStore) HashGetAll(ctx context.Context, hash string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte, len(s.hashes[hash]))
	for field, val := range s.hashes[hash] {
		out[field] = append([]byte(nil), val...)
	}
	return out, nil
}

func (s *MemoryStore) HashIncrBy(ctx context.Context, hash, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[hash]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[hash] = h
	}
	current := int64(0)
	if raw, ok := h[field]; ok {
		current, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	current += delta
	h[field] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (s *MemoryStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key] = memEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.keys, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, key)
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if ok && !entry.expired(time.Now()) {
		return false, nil
	}
	s.keys[key] = memEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) SetIfExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.keys, key)
		return false, nil
	}
	s.keys[key] = memEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Extend(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keys[key]
	if !ok || entry.expired(time.Now()) {
		delete(s.keys, key)
		return ErrNotFound
	}
	entry.expiresAt = time.Now().Add(ttl)
	s.keys[key] = entry
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, msg []byte) error {
	s.mu.Lock()
	subs := append([]*memorySubscription(nil), s.subs[channel]...)
	s.mu.Unlock()

	payload := append([]byte(nil), msg...)
	for _, sub := range subs {
		sub.send(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, 64),
	}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

func (s *MemoryStore) ListPush(ctx context.Context, queue string, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[queue] = append(s.lists[queue], append([]byte(nil), msg...))
	return nil
}

func (s *MemoryStore) ListPop(ctx context.Context, queue string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[queue]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	head := list[0]
	s.lists[queue] = list[1:]
	return head, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return context.Canceled
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	drained := s.subs
	s.subs = make(map[string][]*memorySubscription)
	s.mu.Unlock()

	for _, subs := range drained {
		for _, sub := range subs {
			sub.closeChan()
		}
	}
	return nil
}

// memorySubscription owns its channel: sends and the close go through
// chMu so a Publish racing a Close can never hit a closed channel.
type memorySubscription struct {
	store   *MemoryStore
	channel string

	chMu   sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *memorySubscription) C() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) send(msg []byte) {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		// Slow subscriber, drop.
	}
}

func (s *memorySubscription) closeChan() {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	subs := s.store.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()

	s.closeChan()
	return nil
}
