// Package document implements the authoritative store for shared
// documents. Memory is the source of truth; every write is mirrored to a
// TTL cache so a restarted process can warm from it, and cache failures
// are logged but never override memory.
package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/cache"
	"github.com/deepnoodle-ai/weave/ot"
	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/google/uuid"
)

const (
	DefaultMaxHistory = 1000
	DefaultCacheTTL   = time.Hour

	// DefaultWelcomeContent seeds documents created without content.
	DefaultWelcomeContent = "Welcome to your shared document. Start typing, " +
		"or select some text and ask the assistant to rewrite it."
)

// StoreOptions configures a Store. All fields are optional.
type StoreOptions struct {
	// Cache receives a write-through copy of every document mutation under
	// the key "document:{id}". Nil disables write-through.
	Cache cache.Cache[*weave.Document]

	// MaxHistory caps the per-document operation history. Defaults to
	// DefaultMaxHistory.
	MaxHistory int

	// CacheTTL is the lifetime of cached documents, refreshed on every
	// write. Defaults to DefaultCacheTTL.
	CacheTTL time.Duration

	// WelcomeContent seeds documents created with empty content. Defaults
	// to DefaultWelcomeContent.
	WelcomeContent string

	Logger slogger.Logger
}

// Store holds all live documents. A single mutex guards the map and the
// documents themselves; accessors hand out deep clones so callers never
// observe concurrent mutation.
type Store struct {
	mu         sync.Mutex
	documents  map[string]*weave.Document
	cache      cache.Cache[*weave.Document]
	maxHistory int
	cacheTTL   time.Duration
	welcome    string
	logger     slogger.Logger
}

// NewStore creates a document store.
func NewStore(opts StoreOptions) *Store {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.WelcomeContent == "" {
		opts.WelcomeContent = DefaultWelcomeContent
	}
	return &Store{
		documents:  make(map[string]*weave.Document),
		cache:      opts.Cache,
		maxHistory: opts.MaxHistory,
		cacheTTL:   opts.CacheTTL,
		welcome:    opts.WelcomeContent,
		logger:     opts.Logger,
	}
}

// Get returns a snapshot of the document, or nil when it does not exist.
// An evicted document still inside its cache TTL is restored first.
func (s *Store) Get(ctx context.Context, id string) *weave.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		doc = s.warmLocked(ctx, id)
		if doc == nil {
			return nil
		}
	}
	return doc.Clone()
}

// Create makes a new document at version 0. An empty id is replaced with a
// generated one; empty content is seeded with the configured welcome text.
// Creating an id that already exists returns the existing document.
func (s *Store) Create(ctx context.Context, id, content, userID string) (*weave.Document, error) {
	if id == "" {
		id = uuid.New().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.documents[id]; ok {
		return existing.Clone(), nil
	}
	if existing := s.warmLocked(ctx, id); existing != nil {
		return existing.Clone(), nil
	}
	if content == "" {
		content = s.welcome
	}
	now := time.Now()
	doc := &weave.Document{
		ID:        id,
		Content:   content,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.documents[id] = doc
	s.writeThrough(ctx, doc)
	s.logger.Info("document created", "document_id", id, "user_id", userID)
	return doc.Clone(), nil
}

// ApplyOperation validates op, rewrites the content (an insert with
// Length > 0 replaces the range first), appends to the history, bumps the
// version, and shifts every other collaborator's cursor and selection by
// the net length delta. It returns the updated snapshot, nil when the
// document does not exist, or an error when the operation is invalid.
func (s *Store) ApplyOperation(ctx context.Context, id string, op ot.Operation) (*weave.Document, error) {
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, nil
	}
	content, err := ot.Apply(doc.Content, op)
	if err != nil {
		return nil, fmt.Errorf("failed to apply operation to document %q: %w", id, err)
	}

	contentLen := len([]rune(doc.Content))
	delta := op.Delta(contentLen)
	position := op.Position
	if position > contentLen {
		position = contentLen
	}

	doc.Content = content
	doc.History = append(doc.History, op)
	if len(doc.History) > s.maxHistory {
		doc.History = doc.History[len(doc.History)-s.maxHistory:]
	}
	doc.Version++
	doc.UpdatedAt = time.Now()

	if delta != 0 {
		for _, c := range doc.Collaborators {
			if c.ID == op.UserID {
				continue
			}
			c.Cursor = ot.ShiftOffset(c.Cursor, position, delta)
			if c.Selection != nil {
				c.Selection.Start = ot.ShiftOffset(c.Selection.Start, position, delta)
				c.Selection.End = ot.ShiftOffset(c.Selection.End, position, delta)
			}
		}
	}

	s.writeThrough(ctx, doc)
	return doc.Clone(), nil
}

// AddCollaborator attaches (or re-activates) a collaborator on the
// document.
func (s *Store) AddCollaborator(ctx context.Context, id string, collaborator *weave.Collaborator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %q not found", id)
	}
	if existing := doc.Collaborator(collaborator.ID); existing != nil {
		existing.Name = collaborator.Name
		existing.Avatar = collaborator.Avatar
		existing.Active = true
		existing.LastSeen = time.Now()
	} else {
		doc.Collaborators = append(doc.Collaborators, collaborator.Clone())
	}
	s.writeThrough(ctx, doc)
	return nil
}

// RemoveCollaborator detaches the user from the document. Removing an
// unknown collaborator is a no-op.
func (s *Store) RemoveCollaborator(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %q not found", id)
	}
	for i, c := range doc.Collaborators {
		if c.ID == userID {
			doc.Collaborators = append(doc.Collaborators[:i], doc.Collaborators[i+1:]...)
			break
		}
	}
	s.writeThrough(ctx, doc)
	return nil
}

// UpdateCollaboratorPresence moves the user's cursor and selection and
// refreshes their last-seen time.
func (s *Store) UpdateCollaboratorPresence(ctx context.Context, id, userID string, cursor int, selection *weave.Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %q not found", id)
	}
	c := doc.Collaborator(userID)
	if c == nil {
		return fmt.Errorf("collaborator %q not found in document %q", userID, id)
	}
	c.Cursor = cursor
	if selection != nil {
		sel := *selection
		c.Selection = &sel
	} else {
		c.Selection = nil
	}
	c.Active = true
	c.LastSeen = time.Now()
	s.writeThrough(ctx, doc)
	return nil
}

// OperationHistory returns the retained operations with version greater
// than fromVersion, oldest first. fromVersion 0 returns the full retained
// history.
func (s *Store) OperationHistory(ctx context.Context, id string, fromVersion int64) []ot.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil
	}
	out := make([]ot.Operation, 0, len(doc.History))
	for _, op := range doc.History {
		if op.Version > fromVersion {
			out = append(out, op)
		}
	}
	return out
}

// Remove evicts the document from memory, used when the last session
// referring to it ends. The cached copy stays until its TTL lapses, so a
// rejoin within that window restores the document.
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.documents, id)
	s.mu.Unlock()
}

// Len returns the number of documents held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents)
}

// warmLocked restores an evicted document from the cache. The caller
// holds the store mutex.
func (s *Store) warmLocked(ctx context.Context, id string) *weave.Document {
	if s.cache == nil {
		return nil
	}
	doc, err := s.cache.Get(ctx, cacheKey(id))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("failed to read cached document", "document_id", id, "error", err)
		}
		return nil
	}
	s.documents[id] = doc
	s.logger.Info("document restored from cache", "document_id", id)
	return doc
}

// writeThrough mirrors the document to the cache. The caller holds the
// store mutex; cache errors are logged and memory stays authoritative.
func (s *Store) writeThrough(ctx context.Context, doc *weave.Document) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(doc.ID), doc.Clone(), s.cacheTTL); err != nil {
		s.logger.Warn("failed to cache document", "document_id", doc.ID, "error", err)
	}
}

func cacheKey(id string) string {
	return "document:" + id
}
