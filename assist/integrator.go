// Package assist turns completed AI rewrites into document operations. The
// integrator validates a request against the live document, resolves the
// selection tolerantly when the document has drifted, routes the request
// through the queue, and on completion synthesizes a replacement operation
// that the broadcaster applies and fans out.
package assist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/aiqueue"
	"github.com/deepnoodle-ai/weave/broadcast"
	"github.com/deepnoodle-ai/weave/document"
	"github.com/deepnoodle-ai/weave/ot"
	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	DefaultMaxProcessingTime = 60 * time.Second
	DefaultPollInterval      = 2 * time.Second

	// statusRetention is how long terminal request statuses are kept
	// before the cleanup pass drops them.
	statusRetention = time.Hour

	// selectionSearchMargin widens the window searched when the selected
	// text is no longer at its original coordinates.
	selectionSearchMargin = 100
)

var ErrDocumentNotFound = errors.New("document not found")

// Status is the tracked lifecycle of one AI request.
type Status struct {
	RequestID  string              `json:"requestId"`
	DocumentID string              `json:"documentId"`
	UserID     string              `json:"userId"`
	Status     weave.RequestStatus `json:"status"`
	Error      string              `json:"error,omitempty"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// AIResponseEvent is the terminal notification broadcast to a document's
// subscribers when a request finishes.
type AIResponseEvent struct {
	RequestID  string              `json:"requestId"`
	DocumentID string              `json:"documentId"`
	UserID     string              `json:"userId"`
	Status     weave.RequestStatus `json:"status"`
	Result     string              `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// NotificationEvent is a human-readable progress message.
type NotificationEvent struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Message    string `json:"message"`
}

// Options configures an Integrator. Documents, Broadcaster, and Queue are
// required.
type Options struct {
	Documents   *document.Store
	Broadcaster *broadcast.Broadcaster
	Queue       *aiqueue.Queue
	Logger      slogger.Logger

	// MaxProcessingTime bounds a request end to end; past it the tracked
	// status is forced to failed. Defaults to DefaultMaxProcessingTime.
	MaxProcessingTime time.Duration

	// PollInterval is the result-polling fallback cadence used when no
	// completion event arrives. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// DisableStatusTracking turns off the queryable status map.
	DisableStatusTracking bool

	// DisableNotifications suppresses notification broadcasts; terminal
	// ai_response events are always sent.
	DisableNotifications bool
}

type tracked struct {
	status  Status
	request weave.AIRequest
}

// Integrator owns the document side of the AI pipeline.
type Integrator struct {
	documents   *document.Store
	broadcaster *broadcast.Broadcaster
	queue       *aiqueue.Queue
	logger      slogger.Logger

	maxProcessing time.Duration
	poll          time.Duration
	trackStatus   bool
	notify        bool

	mu       sync.Mutex
	statuses map[string]*tracked
	// applied guards exactly-once application per request id; entries
	// carry the time they turned terminal so cleanup can drop them.
	applied  map[string]time.Time
	waiters  map[string]chan aiqueue.CompletionEvent
	dmp      *diffmatchpatch.DiffMatchPatch
	unsub    func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an integrator. Call Start to subscribe to queue completions
// and Stop on shutdown.
func New(opts Options) *Integrator {
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.MaxProcessingTime <= 0 {
		opts.MaxProcessingTime = DefaultMaxProcessingTime
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Integrator{
		documents:     opts.Documents,
		broadcaster:   opts.Broadcaster,
		queue:         opts.Queue,
		logger:        opts.Logger,
		maxProcessing: opts.MaxProcessingTime,
		poll:          opts.PollInterval,
		trackStatus:   !opts.DisableStatusTracking,
		notify:        !opts.DisableNotifications,
		statuses:      make(map[string]*tracked),
		applied:       make(map[string]time.Time),
		waiters:       make(map[string]chan aiqueue.CompletionEvent),
		dmp:           diffmatchpatch.New(),
		done:          make(chan struct{}),
	}
}

// Start subscribes to completion events and runs the status cleanup loop.
func (i *Integrator) Start(ctx context.Context) error {
	unsub, err := i.queue.SubscribeCompletions(ctx, i.routeCompletion)
	if err != nil {
		return fmt.Errorf("failed to subscribe to completions: %w", err)
	}
	i.unsub = unsub

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-i.done:
				return
			case <-ticker.C:
				i.cleanup()
			}
		}
	}()
	return nil
}

// Stop cancels the completion subscription and waits for in-flight
// monitors to wind down.
func (i *Integrator) Stop() {
	i.stopOnce.Do(func() {
		if i.unsub != nil {
			i.unsub()
		}
		close(i.done)
	})
	i.wg.Wait()
}

// ProcessRequest validates and enqueues an AI rewrite. It returns the
// canonical request id, which may belong to an earlier identical request
// when deduplication collapses them.
func (i *Integrator) ProcessRequest(ctx context.Context, req *weave.AIRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	doc := i.documents.Get(ctx, req.DocumentID)
	if doc == nil {
		return "", fmt.Errorf("%w: %s", ErrDocumentNotFound, req.DocumentID)
	}
	i.resolveSelection(doc.Content, req)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	result, err := i.queue.Enqueue(ctx, req, priorityFor(req.SelectedText))
	if err != nil {
		return "", err
	}
	id := result.RequestID

	i.mu.Lock()
	if i.trackStatus {
		if _, ok := i.statuses[id]; !ok {
			i.statuses[id] = &tracked{
				status: Status{
					RequestID:  id,
					DocumentID: req.DocumentID,
					UserID:     req.UserID,
					Status:     weave.StatusPending,
					UpdatedAt:  time.Now(),
				},
				request: *req,
			}
		}
	}
	_, monitoring := i.waiters[id]
	var mailbox chan aiqueue.CompletionEvent
	if !monitoring {
		mailbox = make(chan aiqueue.CompletionEvent, 1)
		i.waiters[id] = mailbox
	}
	i.mu.Unlock()

	if monitoring {
		// A monitor for the deduplicated original is already running.
		return id, nil
	}

	request := *req
	request.ID = id
	i.wg.Add(1)
	go i.monitor(request, mailbox, result.Cached)
	return id, nil
}

// resolveSelection re-locates the selected text when the document has
// moved under the request. An exact window scan runs first, then a fuzzy
// match for short selections; when neither finds the text the requested
// coordinates stand and the apply proceeds on a warning.
func (i *Integrator) resolveSelection(content string, req *weave.AIRequest) {
	runes := []rune(content)
	start, end := req.SelectionStart, req.SelectionEnd
	if start < len(runes) && end <= len(runes) && string(runes[start:end]) == req.SelectedText {
		return
	}

	ws := start - selectionSearchMargin
	if ws < 0 {
		ws = 0
	}
	we := end + selectionSearchMargin
	if we > len(runes) {
		we = len(runes)
	}
	if ws >= we {
		return
	}
	window := runes[ws:we]

	if idx := runeIndex(window, []rune(req.SelectedText)); idx >= 0 {
		req.SelectionStart = ws + idx
		req.SelectionEnd = req.SelectionStart + len([]rune(req.SelectedText))
		return
	}
	if len(req.SelectedText) <= i.dmp.MatchMaxBits {
		if idx := i.dmp.MatchMain(string(window), req.SelectedText, start-ws); idx >= 0 {
			// MatchMain works in bytes; convert back to runes.
			runeIdx := len([]rune(string(window)[:idx]))
			req.SelectionStart = ws + runeIdx
			req.SelectionEnd = req.SelectionStart + len([]rune(req.SelectedText))
			return
		}
	}
	i.logger.Warn("selected text not found near its coordinates, proceeding as requested",
		"document_id", req.DocumentID, "user_id", req.UserID,
		"selection_start", start, "selection_end", end)
}

func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// priorityFor prefers small selections: they are cheap to complete and
// users expect them to feel instant.
func priorityFor(selectedText string) int {
	switch n := len(selectedText); {
	case n < 100:
		return 5
	case n < 500:
		return 3
	default:
		return 1
	}
}

// routeCompletion feeds a completion event into the request's mailbox.
func (i *Integrator) routeCompletion(event aiqueue.CompletionEvent) {
	i.mu.Lock()
	mailbox := i.waiters[event.RequestID]
	i.mu.Unlock()
	if mailbox != nil {
		select {
		case mailbox <- event:
		default:
		}
	}
}

// monitor waits for the request to reach a terminal state: through the
// mailbox normally, by polling as a fallback, bounded by the outer
// processing timeout.
func (i *Integrator) monitor(req weave.AIRequest, mailbox chan aiqueue.CompletionEvent, cached bool) {
	defer i.wg.Done()
	defer func() {
		i.mu.Lock()
		delete(i.waiters, req.ID)
		i.mu.Unlock()
	}()

	// Cached hits already have their terminal record; deliver shortly so
	// the response still arrives after the enqueue ack.
	if cached {
		time.Sleep(10 * time.Millisecond)
		i.handleTerminal(req)
		return
	}

	ticker := time.NewTicker(i.poll)
	defer ticker.Stop()
	deadline := time.NewTimer(i.maxProcessing)
	defer deadline.Stop()

	for {
		select {
		case <-mailbox:
			i.handleTerminal(req)
			return
		case <-ticker.C:
			if result, err := i.queue.RequestResult(context.Background(), req.ID); err == nil && result.Status.Terminal() {
				i.handleTerminal(req)
				return
			}
		case <-deadline.C:
			i.logger.Warn("AI request exceeded processing timeout", "request_id", req.ID)
			i.fail(req, "Processing timeout exceeded")
			return
		case <-i.done:
			return
		}
	}
}

// handleTerminal fetches the terminal record and applies or reports it.
// The applied map makes application exactly-once even when the mailbox and
// the polling fallback race.
func (i *Integrator) handleTerminal(req weave.AIRequest) {
	ctx := context.Background()
	result, err := i.queue.RequestResult(ctx, req.ID)
	if err != nil {
		i.fail(req, "result record not found")
		return
	}

	i.mu.Lock()
	if _, done := i.applied[req.ID]; done {
		i.mu.Unlock()
		return
	}
	i.applied[req.ID] = time.Now()
	i.mu.Unlock()

	if result.Status != weave.StatusCompleted {
		i.reportFailure(req, result.Error)
		return
	}

	if err := i.apply(ctx, req, result.Result); err != nil {
		// The marker is already claimed for this request; the failure must
		// still reach the client as a terminal ai_response.
		i.logger.Error("failed to apply AI result", "request_id", req.ID, "error", err)
		i.reportFailure(req, err.Error())
		return
	}

	i.setStatus(req.ID, weave.StatusCompleted, "")
	i.broadcaster.Broadcast(req.DocumentID, broadcast.EventAIResponse, AIResponseEvent{
		RequestID:  req.ID,
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		Status:     weave.StatusCompleted,
		Result:     result.Result,
	}, "")
	if i.notify {
		i.broadcaster.Broadcast(req.DocumentID, broadcast.EventNotification, NotificationEvent{
			DocumentID: req.DocumentID,
			UserID:     req.UserID,
			Message:    i.changeSummary(req.SelectedText, result.Result),
		}, "")
	}
}

// apply replaces the selected range with the AI result as a single
// replacement insert submitted through the broadcaster.
func (i *Integrator) apply(ctx context.Context, req weave.AIRequest, result string) error {
	doc := i.documents.Get(ctx, req.DocumentID)
	if doc == nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, req.DocumentID)
	}
	op := ot.NewReplace(req.SelectionStart, req.SelectionEnd-req.SelectionStart, result)
	op.UserID = req.UserID
	op.Timestamp = time.Now()
	op.Version = doc.Version + 1
	return i.broadcaster.Submit(ctx, req.DocumentID, op, "")
}

// changeSummary describes a rewrite for the notification feed.
func (i *Integrator) changeSummary(before, after string) string {
	var added, removed int
	for _, d := range i.dmp.DiffMain(before, after, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len([]rune(d.Text))
		case diffmatchpatch.DiffDelete:
			removed += len([]rune(d.Text))
		}
	}
	return fmt.Sprintf("AI rewrite applied: %d characters added, %d removed", added, removed)
}

// fail claims the request's terminal slot and reports the failure. A
// request whose outcome was already handled is left alone.
func (i *Integrator) fail(req weave.AIRequest, message string) {
	i.mu.Lock()
	if _, done := i.applied[req.ID]; done {
		i.mu.Unlock()
		return
	}
	i.applied[req.ID] = time.Now()
	i.mu.Unlock()
	i.reportFailure(req, message)
}

// reportFailure marks the request failed and broadcasts the outcome. It
// does not consult the exactly-once marker: a request that was claimed and
// then failed to apply still owes the client a terminal event.
func (i *Integrator) reportFailure(req weave.AIRequest, message string) {
	i.setStatus(req.ID, weave.StatusFailed, message)
	i.broadcaster.Broadcast(req.DocumentID, broadcast.EventAIResponse, AIResponseEvent{
		RequestID:  req.ID,
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		Status:     weave.StatusFailed,
		Error:      message,
	}, "")
}

// Cancel aborts the user's own request while it is not yet terminal.
func (i *Integrator) Cancel(ctx context.Context, requestID, userID string) error {
	if err := i.queue.Cancel(ctx, requestID, userID); err != nil {
		return err
	}
	i.setStatus(requestID, weave.StatusFailed, "Cancelled by user")
	return nil
}

// RequestStatus returns the tracked status, or nil when tracking is off or
// the id is unknown.
func (i *Integrator) RequestStatus(requestID string) *Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.statuses[requestID]; ok {
		status := t.status
		return &status
	}
	return nil
}

func (i *Integrator) setStatus(requestID string, status weave.RequestStatus, errMsg string) {
	if !i.trackStatus {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if t, ok := i.statuses[requestID]; ok {
		t.status.Status = status
		t.status.Error = errMsg
		t.status.UpdatedAt = time.Now()
	}
}

// cleanup drops terminal statuses and exactly-once markers older than the
// retention window.
func (i *Integrator) cleanup() {
	cutoff := time.Now().Add(-statusRetention)
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, t := range i.statuses {
		if t.status.Status.Terminal() && t.status.UpdatedAt.Before(cutoff) {
			delete(i.statuses, id)
		}
	}
	for id, at := range i.applied {
		if at.Before(cutoff) {
			delete(i.applied, id)
		}
	}
}
