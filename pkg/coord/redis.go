package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/versemarket/keeperd/pkg/config"
)

// RedisStore implements Store on a Redis-compatible server: SETNX for
// the lease, hashes for the registry and distribution, pub/sub for
// work channels, lists for the retry queue.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the configured server and verifies the
// connection.
func NewRedisStore(cfg config.StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to coordination store: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) HashSet(ctx context.Context, hash, field string, value []byte) error {
	return s.client.HSet(ctx, hash, field, value).Err()
}

func (s *RedisStore) HashGet(ctx context.Context, hash, field string) ([]byte, error) {
	val, err := s.client.HGet(ctx, hash, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStore) HashDel(ctx context.Context, hash, field string) error {
	return s.client.HDel(ctx, hash, field).Err()
}

func (s *RedisStore) HashGetAll(ctx context.Context, hash string) (map[string][]byte, error) {
	vals, err := s.client.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for field, val := range vals {
		out[field] = []byte(val)
	}
	return out, nil
}

func (s *RedisStore) HashIncrBy(ctx context.Context, hash, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, hash, field, delta).Result()
}

func (s *RedisStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) SetIfExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.client.SetXX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, err
	}
	return res, nil
}

func (s *RedisStore) Extend(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, msg []byte) error {
	return s.client.Publish(ctx, channel, msg).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan []byte, 64),
	}
	go sub.pump()
	return sub, nil
}

func (s *RedisStore) ListPush(ctx context.Context, queue string, msg []byte) error {
	return s.client.RPush(ctx, queue, msg).Err()
}

func (s *RedisStore) ListPop(ctx context.Context, queue string) ([]byte, error) {
	val, err := s.client.LPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) C() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
