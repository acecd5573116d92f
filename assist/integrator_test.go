package assist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/aiqueue"
	"github.com/deepnoodle-ai/weave/broadcast"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/deepnoodle-ai/weave/document"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	fn func(ctx context.Context, req weave.AIRequest) (*completer.Response, error)
}

func (s *stubCompleter) Name() string { return "stub" }

func (s *stubCompleter) Complete(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
	return s.fn(ctx, req)
}

type recordingSink struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recordingSink) Deliver(event broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) find(eventType string) (broadcast.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType {
			return e, true
		}
	}
	return broadcast.Event{}, false
}

func (r *recordingSink) waitFor(t *testing.T, eventType string) broadcast.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := r.find(eventType); ok {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q event received", eventType)
	return broadcast.Event{}
}

type harness struct {
	documents   *document.Store
	broadcaster *broadcast.Broadcaster
	queue       *aiqueue.Queue
	integrator  *Integrator
	sink        *recordingSink
}

func newHarness(t *testing.T, content string, fn func(ctx context.Context, req weave.AIRequest) (*completer.Response, error), queueOpts func(*aiqueue.Options)) *harness {
	t.Helper()
	ctx := context.Background()

	documents := document.NewStore(document.StoreOptions{})
	_, err := documents.Create(ctx, "d", content, "alice")
	require.NoError(t, err)

	broadcaster := broadcast.New(broadcast.Options{Documents: documents})
	t.Cleanup(broadcaster.Stop)

	opts := aiqueue.Options{
		Store:     aiqueue.NewMemoryStore(),
		Completer: &stubCompleter{fn: fn},
	}
	if queueOpts != nil {
		queueOpts(&opts)
	}
	queue := aiqueue.New(opts)
	t.Cleanup(queue.Stop)

	integrator := New(Options{
		Documents:         documents,
		Broadcaster:       broadcaster,
		Queue:             queue,
		MaxProcessingTime: 3 * time.Second,
		PollInterval:      20 * time.Millisecond,
	})
	require.NoError(t, integrator.Start(ctx))
	t.Cleanup(integrator.Stop)

	sink := &recordingSink{}
	broadcaster.Subscribe("d", "conn-1", sink)
	return &harness{
		documents:   documents,
		broadcaster: broadcaster,
		queue:       queue,
		integrator:  integrator,
		sink:        sink,
	}
}

func rewriteRequest(start, end int, selected string) *weave.AIRequest {
	return &weave.AIRequest{
		DocumentID:     "d",
		UserID:         "alice",
		SelectedText:   selected,
		Prompt:         "rewrite this",
		SelectionStart: start,
		SelectionEnd:   end,
	}
}

func TestProcessRequestAppliesResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "Hello World", func(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
		return &completer.Response{Result: "Go"}, nil
	}, nil)

	id, err := h.integrator.ProcessRequest(ctx, rewriteRequest(6, 11, "World"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	event := h.sink.waitFor(t, broadcast.EventAIResponse)
	response, ok := event.Payload.(AIResponseEvent)
	require.True(t, ok)
	require.Equal(t, weave.StatusCompleted, response.Status)
	require.Equal(t, "Go", response.Result)

	require.Eventually(t, func() bool {
		doc := h.documents.Get(ctx, "d")
		return doc != nil && doc.Content == "Hello Go"
	}, 3*time.Second, 10*time.Millisecond)

	notification := h.sink.waitFor(t, broadcast.EventNotification)
	note, ok := notification.Payload.(NotificationEvent)
	require.True(t, ok)
	require.Contains(t, note.Message, "characters added")

	status := h.integrator.RequestStatus(id)
	require.NotNil(t, status)
	require.Equal(t, weave.StatusCompleted, status.Status)
}

func TestProcessRequestResolvesDriftedSelection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "Hello brave World", func(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
		return &completer.Response{Result: "Earth"}, nil
	}, nil)

	// Coordinates point at "brave", but the selected text now lives five
	// runes to the right.
	req := rewriteRequest(6, 11, "World")
	_, err := h.integrator.ProcessRequest(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 12, req.SelectionStart)
	require.Equal(t, 17, req.SelectionEnd)

	require.Eventually(t, func() bool {
		doc := h.documents.Get(ctx, "d")
		return doc != nil && doc.Content == "Hello brave Earth"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestProcessRequestUnknownDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "Hello", func(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
		return &completer.Response{Result: "x"}, nil
	}, nil)

	req := rewriteRequest(0, 5, "Hello")
	req.DocumentID = "missing"
	_, err := h.integrator.ProcessRequest(ctx, req)
	require.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestProcessRequestFailureReported(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "Hello World", func(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
		return nil, errors.New("provider unavailable")
	}, func(opts *aiqueue.Options) {
		opts.MaxRetries = 1
		opts.RetryDelay = time.Millisecond
	})

	id, err := h.integrator.ProcessRequest(ctx, rewriteRequest(6, 11, "World"))
	require.NoError(t, err)

	event := h.sink.waitFor(t, broadcast.EventAIResponse)
	response, ok := event.Payload.(AIResponseEvent)
	require.True(t, ok)
	require.Equal(t, weave.StatusFailed, response.Status)
	require.Contains(t, response.Error, "provider unavailable")

	doc := h.documents.Get(ctx, "d")
	require.Equal(t, "Hello World", doc.Content)

	status := h.integrator.RequestStatus(id)
	require.NotNil(t, status)
	require.Equal(t, weave.StatusFailed, status.Status)
}

func TestApplyFailureStillReported(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	h := newHarness(t, "Hello World", func(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &completer.Response{Result: "Go"}, nil
	}, nil)

	id, err := h.integrator.ProcessRequest(ctx, rewriteRequest(6, 11, "World"))
	require.NoError(t, err)

	// The document disappears while the completion is in flight, so the
	// synthesized operation has nothing to apply to.
	h.documents.Remove(ctx, "d")
	close(release)

	event := h.sink.waitFor(t, broadcast.EventAIResponse)
	response, ok := event.Payload.(AIResponseEvent)
	require.True(t, ok)
	require.Equal(t, weave.StatusFailed, response.Status)
	require.Contains(t, response.Error, "document not found")

	status := h.integrator.RequestStatus(id)
	require.NotNil(t, status)
	require.Equal(t, weave.StatusFailed, status.Status)
}

func TestCancelOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	h := newHarness(t, "Hello World", func(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &completer.Response{Result: "late"}, nil
	}, nil)
	defer close(release)

	id, err := h.integrator.ProcessRequest(ctx, rewriteRequest(6, 11, "World"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(ctx)
		return err == nil && stats.Processing == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, h.integrator.Cancel(ctx, id, "mallory"), aiqueue.ErrUnauthorizedCancel)
	require.NoError(t, h.integrator.Cancel(ctx, id, "alice"))

	event := h.sink.waitFor(t, broadcast.EventAIResponse)
	response, ok := event.Payload.(AIResponseEvent)
	require.True(t, ok)
	require.Equal(t, weave.StatusFailed, response.Status)
	require.Equal(t, "Cancelled by user", response.Error)

	status := h.integrator.RequestStatus(id)
	require.NotNil(t, status)
	require.Equal(t, weave.StatusFailed, status.Status)
}

func TestProcessingTimeoutForcesFailure(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	h := newHarness(t, "Hello World", func(ctx context.Context, req weave.AIRequest) (*completer.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("abandoned")
	}, func(opts *aiqueue.Options) {
		opts.RequestTimeout = 10 * time.Second
	})
	defer close(release)
	h.integrator.maxProcessing = 50 * time.Millisecond

	_, err := h.integrator.ProcessRequest(ctx, rewriteRequest(6, 11, "World"))
	require.NoError(t, err)

	event := h.sink.waitFor(t, broadcast.EventAIResponse)
	response, ok := event.Payload.(AIResponseEvent)
	require.True(t, ok)
	require.Equal(t, weave.StatusFailed, response.Status)
	require.Equal(t, "Processing timeout exceeded", response.Error)
}

func TestPriorityFor(t *testing.T) {
	require.Equal(t, 5, priorityFor("short"))
	require.Equal(t, 3, priorityFor(string(make([]byte, 200))))
	require.Equal(t, 1, priorityFor(string(make([]byte, 800))))
}

func TestResolveSelectionFuzzyMatch(t *testing.T) {
	i := New(Options{})
	// One character changed since the selection was made; the fuzzy pass
	// still locates it.
	req := &weave.AIRequest{
		DocumentID:     "d",
		UserID:         "u",
		SelectedText:   "quick brown fox",
		SelectionStart: 4,
		SelectionEnd:   19,
	}
	i.resolveSelection("the quikc brown fox jumps", req)
	require.Equal(t, 4, req.SelectionStart)
	require.Equal(t, 19, req.SelectionEnd)
}

func TestResolveSelectionKeepsCoordinatesWhenMissing(t *testing.T) {
	i := New(Options{})
	req := &weave.AIRequest{
		DocumentID:     "d",
		UserID:         "u",
		SelectedText:   "QQQQZZZZXXXX",
		SelectionStart: 2,
		SelectionEnd:   14,
	}
	i.resolveSelection("completely unrelated content here", req)
	require.Equal(t, 2, req.SelectionStart)
	require.Equal(t, 14, req.SelectionEnd)
}
