// Package cache provides a typed key-value cache capability with TTLs.
//
// Stores use it for write-through persistence of documents and sessions:
// memory stays authoritative and cache failures are never fatal. Two
// implementations are provided, a process-local [Memory] cache and a
// Redis-backed [Redis] cache that stores values as zstd-compressed JSON.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache stores typed values under string keys with per-entry TTLs.
// A zero ttl means the entry does not expire.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
