// Package cache provides small byte-value caches with bounded TTLs and an
// explicit invalidate operation. Callers inject a Cache instead of reaching
// for ambient global state.
package cache

import (
	"context"
	"errors"
)

// ErrMiss is returned by Get when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
