package aiqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave"
)

type pendingItem struct {
	req   *QueuedRequest
	score float64
	seq   int64
}

type expiringString struct {
	value     string
	expiresAt time.Time
}

type expiringResult struct {
	result    *weave.AIResult
	expiresAt time.Time
}

type rateCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is the in-process Store implementation used by tests and
// redis-less deployments.
type MemoryStore struct {
	mu          sync.Mutex
	pending     []pendingItem
	seq         int64
	processing  map[string]*QueuedRequest
	rateLimits  map[string]*rateCounter
	dedup       map[string]expiringString
	cached      map[string]expiringString
	results     map[string]expiringResult
	subscribers map[int]func(CompletionEvent)
	nextSubID   int
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processing:  make(map[string]*QueuedRequest),
		rateLimits:  make(map[string]*rateCounter),
		dedup:       make(map[string]expiringString),
		cached:      make(map[string]expiringString),
		results:     make(map[string]expiringResult),
		subscribers: make(map[int]func(CompletionEvent)),
	}
}

func (m *MemoryStore) AddPending(ctx context.Context, req *QueuedRequest, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *req
	m.seq++
	m.pending = append(m.pending, pendingItem{req: &copied, score: score, seq: m.seq})
	// Ties pop in enqueue order.
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].score != m.pending[j].score {
			return m.pending[i].score < m.pending[j].score
		}
		return m.pending[i].seq < m.pending[j].seq
	})
	return nil
}

func (m *MemoryStore) PopPending(ctx context.Context) (*QueuedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, ErrEmpty
	}
	item := m.pending[0]
	m.pending = m.pending[1:]
	return item.req, nil
}

func (m *MemoryStore) RemovePending(ctx context.Context, requestID string) (*QueuedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range m.pending {
		if item.req.ID == requestID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return item.req, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) PendingCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pending)), nil
}

func (m *MemoryStore) SetProcessing(ctx context.Context, req *QueuedRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *req
	m.processing[req.ID] = &copied
	return nil
}

func (m *MemoryStore) LookupProcessing(ctx context.Context, requestID string) (*QueuedRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.processing[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *req
	return &copied, nil
}

func (m *MemoryStore) RemoveProcessing(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, requestID)
	return nil
}

func (m *MemoryStore) ProcessingCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.processing)), nil
}

func (m *MemoryStore) IsQueued(ctx context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processing[requestID]; ok {
		return true, nil
	}
	for _, item := range m.pending {
		if item.req.ID == requestID {
			return true, nil
		}
	}
	return false, nil
}

func rateLimitKey(userID string, minute int64) string {
	return userID + ":" + time.Unix(minute*60, 0).UTC().Format("200601021504")
}

func (m *MemoryStore) RateLimitCount(ctx context.Context, userID string, minute int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter, ok := m.rateLimits[rateLimitKey(userID, minute)]
	if !ok || time.Now().After(counter.expiresAt) {
		return 0, nil
	}
	return counter.count, nil
}

func (m *MemoryStore) IncrementRateLimit(ctx context.Context, userID string, minute int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rateLimitKey(userID, minute)
	counter, ok := m.rateLimits[key]
	if !ok || time.Now().After(counter.expiresAt) {
		counter = &rateCounter{expiresAt: time.Now().Add(time.Minute)}
		m.rateLimits[key] = counter
	}
	counter.count++
	return counter.count, nil
}

func (m *MemoryStore) LookupDedup(ctx context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.dedup[hash]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *MemoryStore) StoreDedup(ctx context.Context, hash, requestID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[hash] = expiringString{value: requestID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) ClearDedup(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedup, hash)
	return nil
}

func (m *MemoryStore) LookupCached(ctx context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cached[hash]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *MemoryStore) StoreCached(ctx context.Context, hash, result string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[hash] = expiringString{value: result, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) StoreResult(ctx context.Context, result *weave.AIResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *result
	m.results[result.Request.ID] = expiringResult{result: &copied, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) LookupResult(ctx context.Context, requestID string) (*weave.AIResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.results[requestID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}
	copied := *entry.result
	return &copied, nil
}

func (m *MemoryStore) PublishCompletion(ctx context.Context, event CompletionEvent) error {
	m.mu.Lock()
	handlers := make([]func(CompletionEvent), 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *MemoryStore) SubscribeCompletions(ctx context.Context, handler func(CompletionEvent)) (func(), error) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = handler
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
