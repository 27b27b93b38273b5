package cache

import (
	"context"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached backs a Cache with a memcached cluster. Capacity bounds are
// memcached's own eviction policy.
type Memcached struct {
	mc  *memcache.Client
	ttl time.Duration
}

func NewMemcached(mc *memcache.Client, ttl time.Duration) *Memcached {
	return &Memcached{mc: mc, ttl: ttl}
}

func (c *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	item, err := c.mc.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

func (c *Memcached) Set(_ context.Context, key string, value []byte) error {
	return c.mc.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(c.ttl.Seconds()),
	})
}

func (c *Memcached) Delete(_ context.Context, key string) error {
	err := c.mc.Delete(key)
	if err == memcache.ErrCacheMiss {
		return nil
	}
	return err
}
