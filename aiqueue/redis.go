package aiqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/go-redis/redis/v8"
)

// Key layout, all under the "ai:" prefix.
const (
	keyPending      = "ai:queue:pending"    // sorted set of request ids
	keyPendingItems = "ai:queue:items"      // hash: id -> serialized QueuedRequest
	keyProcessing   = "ai:queue:processing" // hash: id -> serialized QueuedRequest
	keyEvents       = "ai:events"           // completion pub/sub channel

	keyRateLimitFmt = "ai:ratelimit:%s:%d"
	keyDedupFmt     = "ai:dedup:%s"
	keyCacheFmt     = "ai:cache:%s"
	keyResultFmt    = "ai:results:%s"
)

// RedisStore keeps queue state in Redis, so restarts do not lose pending
// requests and multiple processes can share one queue. The client remains
// owned by the caller.
type RedisStore struct {
	client *redis.Client

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) AddPending(ctx context.Context, req *QueuedRequest, score float64) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode queued request: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keyPendingItems, req.ID, data)
	pipe.ZAdd(ctx, keyPending, &redis.Z{Score: score, Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue request %q: %w", req.ID, err)
	}
	return nil
}

func (r *RedisStore) PopPending(ctx context.Context) (*QueuedRequest, error) {
	entries, err := r.client.ZPopMin(ctx, keyPending, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop pending request: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	id, _ := entries[0].Member.(string)
	return r.takePendingItem(ctx, id)
}

func (r *RedisStore) RemovePending(ctx context.Context, requestID string) (*QueuedRequest, error) {
	removed, err := r.client.ZRem(ctx, keyPending, requestID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to remove pending request %q: %w", requestID, err)
	}
	if removed == 0 {
		return nil, ErrNotFound
	}
	return r.takePendingItem(ctx, requestID)
}

// takePendingItem fetches and deletes the request body for a popped id.
func (r *RedisStore) takePendingItem(ctx context.Context, id string) (*QueuedRequest, error) {
	data, err := r.client.HGet(ctx, keyPendingItems, id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending request %q: %w", id, err)
	}
	if err := r.client.HDel(ctx, keyPendingItems, id).Err(); err != nil {
		return nil, fmt.Errorf("failed to delete pending request %q: %w", id, err)
	}
	var req QueuedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode pending request %q: %w", id, err)
	}
	return &req, nil
}

func (r *RedisStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := r.client.ZCard(ctx, keyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}

func (r *RedisStore) SetProcessing(ctx context.Context, req *QueuedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode queued request: %w", err)
	}
	if err := r.client.HSet(ctx, keyProcessing, req.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to mark request %q processing: %w", req.ID, err)
	}
	return nil
}

func (r *RedisStore) LookupProcessing(ctx context.Context, requestID string) (*QueuedRequest, error) {
	data, err := r.client.HGet(ctx, keyProcessing, requestID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read processing request %q: %w", requestID, err)
	}
	var req QueuedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode processing request %q: %w", requestID, err)
	}
	return &req, nil
}

func (r *RedisStore) RemoveProcessing(ctx context.Context, requestID string) error {
	if err := r.client.HDel(ctx, keyProcessing, requestID).Err(); err != nil {
		return fmt.Errorf("failed to remove processing request %q: %w", requestID, err)
	}
	return nil
}

func (r *RedisStore) ProcessingCount(ctx context.Context) (int64, error) {
	n, err := r.client.HLen(ctx, keyProcessing).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count processing requests: %w", err)
	}
	return n, nil
}

func (r *RedisStore) IsQueued(ctx context.Context, requestID string) (bool, error) {
	_, err := r.client.ZScore(ctx, keyPending, requestID).Result()
	if err == nil {
		return true, nil
	}
	if err != redis.Nil {
		return false, fmt.Errorf("failed to check pending request %q: %w", requestID, err)
	}
	inProcessing, err := r.client.HExists(ctx, keyProcessing, requestID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processing request %q: %w", requestID, err)
	}
	return inProcessing, nil
}

func (r *RedisStore) RateLimitCount(ctx context.Context, userID string, minute int64) (int64, error) {
	key := fmt.Sprintf(keyRateLimitFmt, userID, minute)
	n, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit for %q: %w", userID, err)
	}
	return n, nil
}

func (r *RedisStore) IncrementRateLimit(ctx context.Context, userID string, minute int64) (int64, error) {
	key := fmt.Sprintf(keyRateLimitFmt, userID, minute)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate limit for %q: %w", userID, err)
	}
	return incr.Val(), nil
}

func (r *RedisStore) LookupDedup(ctx context.Context, hash string) (string, error) {
	id, err := r.client.Get(ctx, fmt.Sprintf(keyDedupFmt, hash)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read dedup key: %w", err)
	}
	return id, nil
}

func (r *RedisStore) StoreDedup(ctx context.Context, hash, requestID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, fmt.Sprintf(keyDedupFmt, hash), requestID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write dedup key: %w", err)
	}
	return nil
}

func (r *RedisStore) ClearDedup(ctx context.Context, hash string) error {
	if err := r.client.Del(ctx, fmt.Sprintf(keyDedupFmt, hash)).Err(); err != nil {
		return fmt.Errorf("failed to delete dedup key: %w", err)
	}
	return nil
}

func (r *RedisStore) LookupCached(ctx context.Context, hash string) (string, error) {
	result, err := r.client.Get(ctx, fmt.Sprintf(keyCacheFmt, hash)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read response cache: %w", err)
	}
	return result, nil
}

func (r *RedisStore) StoreCached(ctx context.Context, hash, result string, ttl time.Duration) error {
	if err := r.client.Set(ctx, fmt.Sprintf(keyCacheFmt, hash), result, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write response cache: %w", err)
	}
	return nil
}

func (r *RedisStore) StoreResult(ctx context.Context, result *weave.AIResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	key := fmt.Sprintf(keyResultFmt, result.Request.ID)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write result %q: %w", result.Request.ID, err)
	}
	return nil
}

func (r *RedisStore) LookupResult(ctx context.Context, requestID string) (*weave.AIResult, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf(keyResultFmt, requestID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result %q: %w", requestID, err)
	}
	var result weave.AIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result %q: %w", requestID, err)
	}
	return &result, nil
}

func (r *RedisStore) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode completion event: %w", err)
	}
	if err := r.client.Publish(ctx, keyEvents, data).Err(); err != nil {
		return fmt.Errorf("failed to publish completion event: %w", err)
	}
	return nil
}

func (r *RedisStore) SubscribeCompletions(ctx context.Context, handler func(CompletionEvent)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, keyEvents)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to completion events: %w", err)
	}
	r.mu.Lock()
	r.pubsubs = append(r.pubsubs, pubsub)
	r.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			var event CompletionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			handler(event)
		}
	}()
	return func() { pubsub.Close() }, nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pubsub := range r.pubsubs {
		pubsub.Close()
	}
	r.pubsubs = nil
	return nil
}
