// Package cache holds module bytes keyed by content identifier. Content
// addressing makes entries immutable, so they only leave by eviction, expiry
// or an explicit purge.
package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/dwebgate/internal/config"
)

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store abstracts the cache storage backend.
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Delete(key string)
	Purge()
	Stats() StoreStats
}

// New builds the store selected by cfg. A nil Store means caching is off.
// client is required for distributed mode.
func New(cfg config.CacheConfig, client *redis.Client) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var s Store
	switch cfg.Mode {
	case "", "local":
		s = NewMemoryStore(cfg.MaxEntries, cfg.TTL)
	case "distributed":
		if client == nil {
			return nil, fmt.Errorf("cache: distributed mode requires a redis client")
		}
		s = NewRedisStore(client, cfg.Prefix, cfg.TTL)
	default:
		return nil, fmt.Errorf("cache: unknown mode %q", cfg.Mode)
	}
	if cfg.MaxEntryBytes > 0 {
		s = &sizeLimited{Store: s, max: cfg.MaxEntryBytes}
	}
	return s, nil
}

// sizeLimited skips values larger than max.
type sizeLimited struct {
	Store
	max int64
}

func (s *sizeLimited) Set(key string, value []byte) {
	if int64(len(value)) > s.max {
		return
	}
	s.Store.Set(key, value)
}
