package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/zstd"
)

// Redis caches typed values in Redis under prefixed keys. Values are stored
// as zstd-compressed JSON, which keeps large document snapshots cheap to
// ship and hold.
type Redis[T any] struct {
	client  *redis.Client
	prefix  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewRedis creates a Redis-backed cache. Keys are stored as
// "{prefix}:{key}". The client remains owned by the caller; Close releases
// only the codec resources.
func NewRedis[T any](client *redis.Client, prefix string) (*Redis[T], error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Redis[T]{
		client:  client,
		prefix:  prefix,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (r *Redis[T]) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *Redis[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return zero, ErrMiss
	}
	if err != nil {
		return zero, fmt.Errorf("failed to read cache key %q: %w", key, err)
	}
	raw, err := r.decoder.DecodeAll(data, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to decompress cache key %q: %w", key, err)
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, fmt.Errorf("failed to decode cache key %q: %w", key, err)
	}
	return value, nil
}

func (r *Redis[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache key %q: %w", key, err)
	}
	data := r.encoder.EncodeAll(raw, nil)
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", key, err)
	}
	return nil
}

func (r *Redis[T]) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key %q: %w", key, err)
	}
	return nil
}

func (r *Redis[T]) Close() error {
	r.encoder.Close()
	r.decoder.Close()
	return nil
}
