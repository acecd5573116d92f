// Package broadcast serializes operations per document and fans the
// results out to subscribers. One worker goroutine per active document
// drains a FIFO queue, performing validate, transform, apply, and
// broadcast as one atomic step; workers for idle documents are released
// after a grace period. Across documents, workers run in parallel.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave/document"
	"github.com/deepnoodle-ai/weave/metrics"
	"github.com/deepnoodle-ai/weave/ot"
	"github.com/deepnoodle-ai/weave/slogger"
)

// MsgOutdatedVersion is the wire message for an operation authored against
// a version the document has already passed.
const MsgOutdatedVersion = "Operation version is outdated"

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrOutdatedVersion  = errors.New(MsgOutdatedVersion)
	ErrQueueFull        = errors.New("operation queue is full")
	ErrStopped          = errors.New("broadcaster is stopped")
)

const (
	DefaultQueueSize = 64
	DefaultIdleGrace = 30 * time.Second
)

// Options configures a Broadcaster. Documents is required.
type Options struct {
	Documents *document.Store
	Logger    slogger.Logger
	Metrics   *metrics.Collector

	// QueueSize bounds each per-document queue. Defaults to
	// DefaultQueueSize.
	QueueSize int

	// IdleGrace is how long a document's worker lingers with an empty
	// queue before releasing. Defaults to DefaultIdleGrace.
	IdleGrace time.Duration
}

type submission struct {
	op     ot.Operation
	origin string
}

// Broadcaster owns per-document operation ordering and event fan-out.
type Broadcaster struct {
	documents *document.Store
	logger    slogger.Logger
	metrics   *metrics.Collector
	queueSize int
	idleGrace time.Duration

	mu      sync.Mutex
	queues  map[string]chan submission
	subs    map[string]map[string]Sink
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a broadcaster.
func New(opts Options) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = DefaultIdleGrace
	}
	return &Broadcaster{
		documents: opts.Documents,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		queueSize: opts.QueueSize,
		idleGrace: opts.IdleGrace,
		queues:    make(map[string]chan submission),
		subs:      make(map[string]map[string]Sink),
		done:      make(chan struct{}),
	}
}

// Subscribe registers a sink for the document's events.
func (b *Broadcaster) Subscribe(documentID, connectionID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[documentID] == nil {
		b.subs[documentID] = make(map[string]Sink)
	}
	b.subs[documentID][connectionID] = sink
}

// Unsubscribe removes the connection's sink from the document.
func (b *Broadcaster) Unsubscribe(documentID, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sinks, ok := b.subs[documentID]; ok {
		delete(sinks, connectionID)
		if len(sinks) == 0 {
			delete(b.subs, documentID)
		}
	}
}

// Submit validates the operation and enqueues it on the document's FIFO
// queue. Validation errors are returned synchronously and leave the
// document untouched; the enqueued operation is applied and fanned out by
// the document's worker. originConnection, when non-empty, receives an
// operation_ack after apply.
func (b *Broadcaster) Submit(ctx context.Context, documentID string, op ot.Operation, originConnection string) error {
	if err := op.Validate(); err != nil {
		b.metrics.RecordOperation(0, false)
		return err
	}
	doc := b.documents.Get(ctx, documentID)
	if doc == nil {
		b.metrics.RecordOperation(0, false)
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	if op.Version < doc.Version+1 {
		b.metrics.RecordOperation(0, false)
		return ErrOutdatedVersion
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	q, ok := b.queues[documentID]
	if !ok {
		q = make(chan submission, b.queueSize)
		b.queues[documentID] = q
		b.wg.Add(1)
		go b.worker(documentID, q)
	}
	select {
	case q <- submission{op: op, origin: originConnection}:
		return nil
	default:
		b.metrics.RecordOperation(0, false)
		return ErrQueueFull
	}
}

// ClearQueue drops any queued but unapplied operations for the document.
func (b *Broadcaster) ClearQueue(documentID string) {
	b.mu.Lock()
	q, ok := b.queues[documentID]
	b.mu.Unlock()
	if !ok {
		return
	}
	for {
		select {
		case <-q:
		default:
			return
		}
	}
}

// Broadcast fans an event out to every subscriber of the document except
// excludeConnection (empty means deliver to all, including the sender).
func (b *Broadcaster) Broadcast(documentID, eventType string, payload any, excludeConnection string) {
	event := Event{Type: eventType, Payload: payload}
	b.mu.Lock()
	sinks := make([]Sink, 0, len(b.subs[documentID]))
	for connID, sink := range b.subs[documentID] {
		if connID == excludeConnection {
			continue
		}
		sinks = append(sinks, sink)
	}
	b.mu.Unlock()

	for _, sink := range sinks {
		sink.Deliver(event)
	}
	b.metrics.RecordBroadcast()
}

// SendTo delivers an event to one subscribed connection.
func (b *Broadcaster) SendTo(documentID, connectionID, eventType string, payload any) {
	b.mu.Lock()
	sink := b.subs[documentID][connectionID]
	b.mu.Unlock()
	if sink != nil {
		sink.Deliver(Event{Type: eventType, Payload: payload})
	}
}

// Stop drains the per-document workers. Queued operations are processed;
// new submissions are rejected.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.done)
	})
	b.wg.Wait()
}

// worker serializes one document's operations. It exits when the queue has
// stayed empty for the idle grace period or the broadcaster stops.
func (b *Broadcaster) worker(documentID string, q chan submission) {
	defer b.wg.Done()
	idle := time.NewTimer(b.idleGrace)
	defer idle.Stop()

	for {
		select {
		case sub := <-q:
			b.process(documentID, sub)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.idleGrace)
		case <-idle.C:
			b.mu.Lock()
			if len(q) == 0 {
				delete(b.queues, documentID)
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			idle.Reset(b.idleGrace)
		case <-b.done:
			for {
				select {
				case sub := <-q:
					b.process(documentID, sub)
				default:
					return
				}
			}
		}
	}
}

// process runs the transform-apply-broadcast pipeline for one submission.
func (b *Broadcaster) process(documentID string, sub submission) {
	ctx := context.Background()
	start := time.Now()

	doc := b.documents.Get(ctx, documentID)
	if doc == nil {
		b.metrics.RecordOperation(0, false)
		b.SendTo(documentID, sub.origin, EventError, ErrorEvent{Message: "document not found"})
		return
	}

	// Transform against every history entry concurrent with or after the
	// operation's base version. Priority goes to the earlier timestamp.
	op := sub.op
	for _, h := range doc.History {
		if h.Version >= op.Version-1 {
			op, _ = ot.Transform(op, h, op.Timestamp.Before(h.Timestamp))
		}
	}

	// A delete fully covered by concurrent deletes degenerates to length
	// zero; it still consumes a version but must not fail validation.
	if op.Kind == ot.Delete && op.Length == 0 {
		op.Kind = ot.Retain
	}

	op.Version = doc.Version + 1
	updated, err := b.documents.ApplyOperation(ctx, documentID, op)
	if err != nil {
		b.metrics.RecordOperation(0, false)
		b.logger.Error("failed to apply operation",
			"document_id", documentID, "user_id", op.UserID, "error", err)
		b.SendTo(documentID, sub.origin, EventError, ErrorEvent{Message: "failed to apply operation"})
		return
	}
	if updated == nil {
		b.metrics.RecordOperation(0, false)
		b.SendTo(documentID, sub.origin, EventError, ErrorEvent{Message: "document not found"})
		return
	}

	b.metrics.RecordOperation(time.Since(start), true)
	b.Broadcast(documentID, EventOperation, OperationEvent{DocumentID: documentID, Operation: op}, "")
	if sub.origin != "" {
		b.SendTo(documentID, sub.origin, EventOperationAck, AckEvent{
			OperationVersion: op.Version,
			Timestamp:        time.Now(),
		})
	}
}
