package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache keeps entries in process memory. It backs the ephemeral
// flow correlator, and the durable records when nothing outlives the
// process anyway.
type MemoryCache struct {
	data      *ttlcache.Cache[string, []byte]
	closeOnce sync.Once
}

func NewMemoryCache() *MemoryCache {
	data := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)

	go data.Start()

	return &MemoryCache{data: data}
}

func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	item := mc.data.Get(key)
	if item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}

	value := item.Value()
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy, nil
}

func (mc *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	mc.data.Set(key, valueCopy, ttl)

	return nil
}

func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.data.Delete(key)
	return nil
}

func (mc *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	item := mc.data.Get(key)
	return item != nil && !item.IsExpired(), nil
}

func (mc *MemoryCache) Take(ctx context.Context, key string) ([]byte, error) {
	item, ok := mc.data.GetAndDelete(key)
	if !ok || item == nil || item.IsExpired() {
		return nil, ErrNotFound
	}
	return item.Value(), nil
}

func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(mc.data.Stop)
	return nil
}
