package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sprintconnect/authsession/internal/config"
)

var ErrNotFound = errors.New("key not found")

// Cache is a byte-oriented key/value store. A ttl <= 0 means the entry
// never expires.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Take returns the value and removes it in one step. Of several
	// concurrent callers only one gets the value; the rest see ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// New builds the durable backend selected by cfg.
func New(cfg config.StoreConfig) (Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(), nil
	case "file":
		if cfg.File == nil {
			return nil, errors.New("file config is required for file store type")
		}
		return NewFileCache(cfg.File.Dir)
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("redis config is required for redis store type")
		}
		return NewRedisCache(*cfg.Redis, cfg.KeyPrefix)
	default:
		return nil, errors.New("unsupported store type: " + cfg.Type)
	}
}
