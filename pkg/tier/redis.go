package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// RedisStore keeps tiers in Redis. The set <namespace>:tiers lists tier
// names; each tier is a hash <namespace>:tier:<name> of key → JSON entry.
type RedisStore struct {
	redis     *redis.Client
	namespace string
}

// NewRedisStore creates a new tier store with Redis backend.
func NewRedisStore(redisClient *redis.Client, namespace string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if namespace == "" {
		namespace = "offline"
	}
	return &RedisStore{
		redis:     redisClient,
		namespace: namespace,
	}
}

func (s *RedisStore) registryKey() string {
	return s.namespace + ":tiers"
}

func (s *RedisStore) hashKey(name string) string {
	return s.namespace + ":tier:" + name
}

// Open registers the tier name and returns a handle to it.
func (s *RedisStore) Open(ctx context.Context, name string) (Tier, error) {
	if name == "" {
		return nil, fmt.Errorf("tier name cannot be empty")
	}
	if err := s.redis.SAdd(ctx, s.registryKey(), name).Err(); err != nil {
		TierErrors.WithLabelValues(backendRedis, "open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisTier{store: s, name: name}, nil
}

// Delete drops the tier hash and its registry entry in one transaction.
func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.hashKey(name))
		removed = pipe.SRem(ctx, s.registryKey(), name)
		return nil
	})
	if err != nil {
		TierErrors.WithLabelValues(backendRedis, "delete").Inc()
		return false, fmt.Errorf("redis delete tier %q: %w", name, err)
	}
	return removed.Val() > 0, nil
}

// Names lists registered tiers in lexical order.
func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		TierErrors.WithLabelValues(backendRedis, "names").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Ping checks the connection to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

type redisTier struct {
	store *RedisStore
	name  string
}

func (t *redisTier) Name() string {
	return t.name
}

func (t *redisTier) Get(ctx context.Context, key Key) (*Entry, error) {
	data, err := t.store.redis.HGet(ctx, t.store.hashKey(t.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observeGet(t.name, false)
			return nil, ErrMiss
		}
		TierErrors.WithLabelValues(backendRedis, "get").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		TierErrors.WithLabelValues(backendRedis, "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	observeGet(t.name, true)
	return &entry, nil
}

func (t *redisTier) Put(ctx context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("tier entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		TierErrors.WithLabelValues(backendRedis, "put").Inc()
		return fmt.Errorf("marshal tier entry: %w", err)
	}

	// a handle that outlived Delete re-registers its tier so the next
	// cleanup still sees it
	_, err = t.store.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, t.store.registryKey(), t.name)
		pipe.HSet(ctx, t.store.hashKey(t.name), key.String(), data)
		return nil
	})
	if err != nil {
		TierErrors.WithLabelValues(backendRedis, "put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}

	observePut(t.name, entry)
	return nil
}

func (t *redisTier) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := t.store.redis.HDel(ctx, t.store.hashKey(t.name), key.String()).Result()
	if err != nil {
		TierErrors.WithLabelValues(backendRedis, "delete").Inc()
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return n > 0, nil
}

func (t *redisTier) Keys(ctx context.Context) ([]Key, error) {
	fields, err := t.store.redis.HKeys(ctx, t.store.hashKey(t.name)).Result()
	if err != nil {
		TierErrors.WithLabelValues(backendRedis, "keys").Inc()
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	sort.Strings(fields)
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		k, err := ParseKey(f)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
