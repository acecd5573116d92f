// Package aiqueue implements the durable AI request pipeline: a priority
// queue with per-user rate limiting, request deduplication, response
// caching, bounded worker concurrency, and retries with backoff. Queue
// state lives behind the Store capability so the pipeline runs identically
// over Redis or in process memory.
package aiqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/deepnoodle-ai/weave"
)

// ErrNotFound is returned by store lookups when the key is absent or
// expired.
var ErrNotFound = errors.New("not found")

// ErrEmpty is returned by PopPending when no request is due.
var ErrEmpty = errors.New("queue is empty")

// QueuedRequest is an AIRequest with its queue bookkeeping.
type QueuedRequest struct {
	weave.AIRequest
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryCount int       `json:"retryCount"`
	TimeoutAt  time.Time `json:"timeoutAt"`
}

// CompletionEvent announces that a request reached a terminal state. It is
// published so integrators do not have to poll for results.
type CompletionEvent struct {
	RequestID string              `json:"requestId"`
	Status    weave.RequestStatus `json:"status"`
	Error     string              `json:"error,omitempty"`
}

// Store is the shared coordination state of the queue, expressed as
// idempotent commands. Implementations: RedisStore and MemoryStore.
type Store interface {
	// Pending queue: a request id per entry, ordered by ascending score.
	AddPending(ctx context.Context, req *QueuedRequest, score float64) error
	PopPending(ctx context.Context) (*QueuedRequest, error)
	RemovePending(ctx context.Context, requestID string) (*QueuedRequest, error)
	PendingCount(ctx context.Context) (int64, error)

	// Processing set: requests currently dispatched to the completer.
	SetProcessing(ctx context.Context, req *QueuedRequest) error
	LookupProcessing(ctx context.Context, requestID string) (*QueuedRequest, error)
	RemoveProcessing(ctx context.Context, requestID string) error
	ProcessingCount(ctx context.Context) (int64, error)

	// IsQueued reports whether the request id is pending or processing.
	IsQueued(ctx context.Context, requestID string) (bool, error)

	// Per-user per-minute rate limit counters with 60 second expiry.
	RateLimitCount(ctx context.Context, userID string, minute int64) (int64, error)
	IncrementRateLimit(ctx context.Context, userID string, minute int64) (int64, error)

	// Deduplication index: hash of (selectedText, prompt, userId) to the
	// in-flight request id.
	LookupDedup(ctx context.Context, hash string) (string, error)
	StoreDedup(ctx context.Context, hash, requestID string, ttl time.Duration) error
	ClearDedup(ctx context.Context, hash string) error

	// Response cache: hash of (selectedText, prompt) to the completed
	// result.
	LookupCached(ctx context.Context, hash string) (string, error)
	StoreCached(ctx context.Context, hash, result string, ttl time.Duration) error

	// Terminal records keyed by request id.
	StoreResult(ctx context.Context, result *weave.AIResult, ttl time.Duration) error
	LookupResult(ctx context.Context, requestID string) (*weave.AIResult, error)

	// Completion pub/sub. The returned function cancels the subscription.
	PublishCompletion(ctx context.Context, event CompletionEvent) error
	SubscribeCompletions(ctx context.Context, handler func(CompletionEvent)) (func(), error)

	Close() error
}

// DedupHash identifies an in-flight request by what it asks and who asks
// it, so identical concurrent submissions collapse to one invocation.
func DedupHash(selectedText, prompt, userID string) string {
	sum := sha256.Sum256([]byte(selectedText + "|" + prompt + "|" + userID))
	return hex.EncodeToString(sum[:])
}

// CacheHash identifies a completed rewrite by its inputs alone, so any
// user's identical request can be served from the cache.
func CacheHash(selectedText, prompt string) string {
	sum := sha256.Sum256([]byte(selectedText + "|" + prompt))
	return hex.EncodeToString(sum[:])
}
