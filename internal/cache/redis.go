package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/dwebgate/internal/logging"
)

// RedisStore is a Redis-backed cache store implementing Store. It lets a
// fleet of gateways share fetched modules.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	opTTL  time.Duration
}

// NewRedisStore creates a new Redis-backed store.
// prefix namespaces the keys, e.g. "dwebgate:module:".
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		opTTL:  500 * time.Millisecond,
	}
}

// key hex-encodes the identifier so binary bytes never reach SCAN patterns.
func (s *RedisStore) key(k string) string {
	return s.prefix + hex.EncodeToString([]byte(k))
}

func (s *RedisStore) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Warn("Redis cache get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

func (s *RedisStore) Set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		logging.Warn("Redis cache set failed", zap.Error(err))
	}
}

func (s *RedisStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		logging.Warn("Redis cache delete failed", zap.Error(err))
	}
}

func (s *RedisStore) Purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("Redis cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				logging.Warn("Redis cache bulk delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func (s *RedisStore) Stats() StoreStats {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTTL)
	defer cancel()

	var count int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			logging.Warn("Redis cache stats scan failed", zap.Error(err))
			return StoreStats{}
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return StoreStats{Size: count}
}
