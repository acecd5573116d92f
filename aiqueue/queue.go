package aiqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/deepnoodle-ai/weave/metrics"
	"github.com/deepnoodle-ai/weave/retry"
	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/google/uuid"
)

// Defaults mirror the engine's configuration defaults.
const (
	DefaultMaxConcurrentRequests = 5
	DefaultRequestTimeout        = 60 * time.Second
	DefaultRateLimitPerMinute    = 10
	DefaultRetryDelay            = 5 * time.Second
	DefaultMaxRetries            = 3
	DefaultCacheTTL              = time.Hour
	DefaultPollInterval          = time.Second

	successResultTTL = 24 * time.Hour
	failureResultTTL = time.Hour
)

// RateLimitError reports an enqueue rejected by the per-user throttle.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(e.RetryAfter.Seconds()))
}

// ErrUnauthorizedCancel is returned when a user cancels someone else's
// request.
var ErrUnauthorizedCancel = errors.New("only the requesting user can cancel a request")

// ErrNotCancellable is returned when the request is already terminal or
// unknown.
var ErrNotCancellable = errors.New("request is not pending or processing")

// Options configures a Queue. Store and Completer are required; the
// deduplication and caching features are on unless disabled.
type Options struct {
	Store     Store
	Completer completer.Completer
	Logger    slogger.Logger
	Metrics   *metrics.Collector

	MaxConcurrentRequests int
	RequestTimeout        time.Duration
	RateLimitPerMinute    int
	RetryDelay            time.Duration
	MaxRetries            int
	CacheTTL              time.Duration
	PollInterval          time.Duration

	DisableDeduplication bool
	DisableCaching       bool
}

// EnqueueResult reports the outcome of an accepted enqueue.
type EnqueueResult struct {
	RequestID string
	// Cached means the result was served from the response cache and a
	// completed record already exists.
	Cached bool
	// Deduplicated means an identical request was already in flight and
	// RequestID names it.
	Deduplicated bool
}

// Stats is a snapshot of queue state.
type Stats struct {
	Pending                 int64   `json:"pending"`
	Processing              int64   `json:"processing"`
	Completed               uint64  `json:"completed"`
	Failed                  uint64  `json:"failed"`
	AverageProcessingTimeMs float64 `json:"averageProcessingTimeMs"`
}

// Queue consumes AI requests with bounded concurrency, rate limiting,
// deduplication, and caching, and materializes terminal result records.
type Queue struct {
	store     Store
	completer completer.Completer
	logger    slogger.Logger
	metrics   *metrics.Collector

	maxConcurrent int
	timeout       time.Duration
	rateLimit     atomic.Int64
	retryDelay    time.Duration
	maxRetries    int
	cacheTTL      time.Duration
	poll          time.Duration
	dedupEnabled  bool
	cacheEnabled  bool

	inFlight  atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	totalMs   atomic.Int64
	finished  atomic.Uint64

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a queue. Workers start lazily on the first enqueue, or
// explicitly via Start.
func New(opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	q := &Queue{
		store:         opts.Store,
		completer:     opts.Completer,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		maxConcurrent: opts.MaxConcurrentRequests,
		timeout:       opts.RequestTimeout,
		retryDelay:    opts.RetryDelay,
		maxRetries:    opts.MaxRetries,
		cacheTTL:      opts.CacheTTL,
		poll:          opts.PollInterval,
		dedupEnabled:  !opts.DisableDeduplication,
		cacheEnabled:  !opts.DisableCaching,
	}
	q.rateLimit.Store(int64(opts.RateLimitPerMinute))
	return q
}

// SetRateLimit adjusts the per-user-per-minute admission limit at runtime,
// e.g. on config reload. Non-positive values are ignored.
func (q *Queue) SetRateLimit(perMinute int) {
	if perMinute > 0 {
		q.rateLimit.Store(int64(perMinute))
	}
}

// Enqueue admits a request into the pipeline. Priority raises a request
// ahead of older lower-priority work. Rate-limit rejections return a
// *RateLimitError; cache and dedup hits return successfully without a new
// queue entry.
func (q *Queue) Enqueue(ctx context.Context, req *weave.AIRequest, priority int) (*EnqueueResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := time.Now()

	// Rate limit, checked before anything is recorded. A store failure
	// falls open: better to admit a request than to block editing on a
	// cache outage.
	minute := now.Unix() / 60
	count, err := q.store.RateLimitCount(ctx, req.UserID, minute)
	if err != nil {
		q.logger.Warn("rate limit check failed, allowing request", "user_id", req.UserID, "error", err)
	} else if count >= q.rateLimit.Load() {
		q.metrics.RecordAIRateLimited()
		retryAfter := time.Duration(60-now.Unix()%60) * time.Second
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	// Response cache: a hit materializes a completed result record so
	// downstream monitors observe completion uniformly.
	if q.cacheEnabled {
		if cached, err := q.store.LookupCached(ctx, CacheHash(req.SelectedText, req.Prompt)); err == nil {
			q.metrics.RecordAICacheHit()
			record := &weave.AIResult{
				Request:     *req,
				Status:      weave.StatusCompleted,
				Result:      cached,
				CompletedAt: now,
			}
			record.Request.Status = weave.StatusCompleted
			record.Request.Result = cached
			if err := q.store.StoreResult(ctx, record, successResultTTL); err != nil {
				q.logger.Warn("failed to store cached result record", "request_id", req.ID, "error", err)
			}
			if err := q.store.PublishCompletion(ctx, CompletionEvent{RequestID: req.ID, Status: weave.StatusCompleted}); err != nil {
				q.logger.Warn("failed to publish completion", "request_id", req.ID, "error", err)
			}
			return &EnqueueResult{RequestID: req.ID, Cached: true}, nil
		}
	}

	// Deduplication: collapse onto an identical in-flight request. Stale
	// index entries pointing at departed requests are cleared.
	dedupHash := DedupHash(req.SelectedText, req.Prompt, req.UserID)
	if q.dedupEnabled {
		if existing, err := q.store.LookupDedup(ctx, dedupHash); err == nil {
			queued, err := q.store.IsQueued(ctx, existing)
			if err == nil && queued {
				q.metrics.RecordAIDedupHit()
				return &EnqueueResult{RequestID: existing, Deduplicated: true}, nil
			}
			if err := q.store.ClearDedup(ctx, dedupHash); err != nil {
				q.logger.Warn("failed to clear stale dedup key", "error", err)
			}
		}
		ttl := time.Duration(math.Ceil(q.timeout.Seconds())) * time.Second
		if err := q.store.StoreDedup(ctx, dedupHash, req.ID, ttl); err != nil {
			q.logger.Warn("failed to store dedup key", "request_id", req.ID, "error", err)
		}
	}

	queued := &QueuedRequest{
		AIRequest:  *req,
		Priority:   priority,
		EnqueuedAt: now,
		TimeoutAt:  now.Add(q.timeout),
	}
	queued.Status = weave.StatusPending
	if err := q.store.AddPending(ctx, queued, score(now, priority)); err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}
	if _, err := q.store.IncrementRateLimit(ctx, req.UserID, minute); err != nil {
		q.logger.Warn("failed to increment rate limit", "user_id", req.UserID, "error", err)
	}
	q.metrics.RecordAIEnqueue()
	q.Start()
	return &EnqueueResult{RequestID: req.ID}, nil
}

// score orders the pending queue: higher priority dequeues first, and
// within a priority class, earlier enqueues first.
func score(enqueuedAt time.Time, priority int) float64 {
	return float64(enqueuedAt.UnixMilli()) - float64(priority)*1_000_000
}

// Start launches the dispatch loop if it is not already running.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.done = make(chan struct{})
	q.wg.Add(1)
	go q.dispatch(q.done)
}

// Stop halts dispatch and waits for in-flight requests to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.done)
	q.mu.Unlock()
	q.wg.Wait()
}

// dispatch pops due requests and hands them to workers, respecting the
// concurrency bound with short sleeps when saturated or empty.
func (q *Queue) dispatch(done chan struct{}) {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-done:
			return
		default:
		}

		if q.inFlight.Load() >= int64(q.maxConcurrent) {
			q.sleep(done)
			continue
		}
		req, err := q.store.PopPending(ctx)
		if errors.Is(err, ErrEmpty) {
			q.sleep(done)
			continue
		}
		if err != nil {
			q.logger.Error("failed to pop pending request", "error", err)
			q.sleep(done)
			continue
		}

		// Requests that timed out while queued are dropped at dequeue,
		// never dispatched. A failed record keeps the outcome observable.
		if req.TimeoutAt.Before(time.Now()) {
			q.logger.Warn("dropping timed-out queued request", "request_id", req.ID)
			q.finalize(ctx, req, "", "request timed out in queue", time.Time{})
			continue
		}

		if err := q.store.SetProcessing(ctx, req); err != nil {
			q.logger.Error("failed to mark request processing", "request_id", req.ID, "error", err)
		}
		q.inFlight.Add(1)
		q.wg.Add(1)
		go func(req *QueuedRequest) {
			defer q.wg.Done()
			defer q.inFlight.Add(-1)
			q.process(ctx, req)
		}(req)
	}
}

func (q *Queue) sleep(done chan struct{}) {
	select {
	case <-done:
	case <-time.After(q.poll):
	}
}

// process runs one request through the completer and routes the outcome to
// the success, retry, or failure path.
func (q *Queue) process(ctx context.Context, req *QueuedRequest) {
	started := time.Now()

	if err := req.Validate(); err != nil {
		q.finalize(ctx, req, "", err.Error(), started)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	resp, err := q.completer.Complete(callCtx, req.AIRequest)
	if err == nil && strings.TrimSpace(resp.Result) == "" {
		err = errors.New("AI completer returned no content")
	}
	if err != nil {
		if req.RetryCount < q.maxRetries && retryable(err) {
			q.requeue(ctx, req, err)
			return
		}
		q.finalize(ctx, req, "", err.Error(), started)
		return
	}

	q.succeed(ctx, req, resp.Result, started)
}

// retryable reports whether a completer failure is worth re-enqueueing.
// Empty completions and context cancellations are not; the completer marks
// its own permanent API errors.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if strings.Contains(err.Error(), "no content") {
		return false
	}
	return !retry.IsPermanent(err)
}

// requeue re-enqueues a failed request with a delayed score and a fresh
// timeout.
func (q *Queue) requeue(ctx context.Context, req *QueuedRequest, cause error) {
	if err := q.store.RemoveProcessing(ctx, req.ID); err != nil {
		q.logger.Warn("failed to remove processing entry", "request_id", req.ID, "error", err)
	}
	retried := *req
	retried.RetryCount++
	retried.TimeoutAt = time.Now().Add(q.retryDelay + q.timeout)
	delayed := float64(time.Now().Add(q.retryDelay).UnixMilli()) + float64(req.RetryCount)*10_000
	q.logger.Warn("retrying AI request",
		"request_id", req.ID, "retry", retried.RetryCount, "error", cause)
	if err := q.store.AddPending(ctx, &retried, delayed); err != nil {
		q.logger.Error("failed to re-enqueue request", "request_id", req.ID, "error", err)
		q.finalize(ctx, req, "", cause.Error(), time.Time{})
	}
}

// succeed records a completed request, seeds the response cache, and
// publishes the completion.
func (q *Queue) succeed(ctx context.Context, req *QueuedRequest, result string, started time.Time) {
	// A cancellation that raced the in-flight call wins: do not overwrite
	// its terminal record or seed the cache.
	if existing, err := q.store.LookupResult(ctx, req.ID); err == nil && existing.Status == weave.StatusFailed {
		q.cleanup(ctx, req)
		return
	}

	record := &weave.AIResult{
		Request:     req.AIRequest,
		Status:      weave.StatusCompleted,
		Result:      result,
		CompletedAt: time.Now(),
	}
	record.Request.Status = weave.StatusCompleted
	record.Request.Result = result
	if err := q.store.StoreResult(ctx, record, successResultTTL); err != nil {
		q.logger.Error("failed to store result", "request_id", req.ID, "error", err)
	}
	if q.cacheEnabled {
		if err := q.store.StoreCached(ctx, CacheHash(req.SelectedText, req.Prompt), result, q.cacheTTL); err != nil {
			q.logger.Warn("failed to seed response cache", "request_id", req.ID, "error", err)
		}
	}
	q.cleanup(ctx, req)

	elapsed := time.Since(started)
	q.completed.Add(1)
	q.finished.Add(1)
	q.totalMs.Add(elapsed.Milliseconds())
	q.metrics.RecordAICompletion(elapsed, true)
	if err := q.store.PublishCompletion(ctx, CompletionEvent{RequestID: req.ID, Status: weave.StatusCompleted}); err != nil {
		q.logger.Warn("failed to publish completion", "request_id", req.ID, "error", err)
	}
}

// finalize records a terminal failure.
func (q *Queue) finalize(ctx context.Context, req *QueuedRequest, result, errMsg string, started time.Time) {
	record := &weave.AIResult{
		Request:     req.AIRequest,
		Status:      weave.StatusFailed,
		Result:      result,
		Error:       errMsg,
		CompletedAt: time.Now(),
	}
	record.Request.Status = weave.StatusFailed
	if err := q.store.StoreResult(ctx, record, failureResultTTL); err != nil {
		q.logger.Error("failed to store failure result", "request_id", req.ID, "error", err)
	}
	q.cleanup(ctx, req)

	q.failed.Add(1)
	if !started.IsZero() {
		elapsed := time.Since(started)
		q.finished.Add(1)
		q.totalMs.Add(elapsed.Milliseconds())
		q.metrics.RecordAICompletion(elapsed, false)
	}
	if err := q.store.PublishCompletion(ctx, CompletionEvent{RequestID: req.ID, Status: weave.StatusFailed, Error: errMsg}); err != nil {
		q.logger.Warn("failed to publish completion", "request_id", req.ID, "error", err)
	}
}

// cleanup clears the dedup index entry and the processing marker.
func (q *Queue) cleanup(ctx context.Context, req *QueuedRequest) {
	if q.dedupEnabled {
		if err := q.store.ClearDedup(ctx, DedupHash(req.SelectedText, req.Prompt, req.UserID)); err != nil {
			q.logger.Warn("failed to clear dedup key", "request_id", req.ID, "error", err)
		}
	}
	if err := q.store.RemoveProcessing(ctx, req.ID); err != nil {
		q.logger.Warn("failed to remove processing entry", "request_id", req.ID, "error", err)
	}
}

// RequestResult returns the terminal record for the request, or ErrNotFound
// while it is still in flight.
func (q *Queue) RequestResult(ctx context.Context, requestID string) (*weave.AIResult, error) {
	return q.store.LookupResult(ctx, requestID)
}

// Cancel aborts a pending or processing request. Only the originating user
// may cancel; the terminal record reads "Cancelled by user" and any
// in-flight completion is discarded when it lands.
func (q *Queue) Cancel(ctx context.Context, requestID, userID string) error {
	if req, err := q.store.RemovePending(ctx, requestID); err == nil {
		if req.UserID != userID {
			// Put it back where it was; this cancel is not authorized.
			if err := q.store.AddPending(ctx, req, score(req.EnqueuedAt, req.Priority)); err != nil {
				q.logger.Error("failed to restore pending request", "request_id", requestID, "error", err)
			}
			return ErrUnauthorizedCancel
		}
		q.finalize(ctx, req, "", "Cancelled by user", time.Time{})
		return nil
	}
	if req, err := q.store.LookupProcessing(ctx, requestID); err == nil {
		if req.UserID != userID {
			return ErrUnauthorizedCancel
		}
		q.finalize(ctx, req, "", "Cancelled by user", time.Time{})
		return nil
	}
	return ErrNotCancellable
}

// SubscribeCompletions registers a handler for terminal events. The
// returned function cancels the subscription.
func (q *Queue) SubscribeCompletions(ctx context.Context, handler func(CompletionEvent)) (func(), error) {
	return q.store.SubscribeCompletions(ctx, handler)
}

// Stats snapshots queue counters.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pending, err := q.store.PendingCount(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := q.store.ProcessingCount(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Pending:    pending,
		Processing: processing,
		Completed:  q.completed.Load(),
		Failed:     q.failed.Load(),
	}
	if finished := q.finished.Load(); finished > 0 {
		stats.AverageProcessingTimeMs = float64(q.totalMs.Load()) / float64(finished)
	}
	return stats, nil
}
