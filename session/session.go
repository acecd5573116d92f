// Package session tracks which users are joined to which documents over
// which connections. The store is the single authority for sessions: it
// enforces one active session per user and document, mirrors sessions to a
// TTL cache, and sweeps idle sessions in the background.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/cache"
	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/google/uuid"
)

const (
	DefaultTimeout       = time.Hour
	DefaultSweepInterval = time.Minute
)

// Session is one user's membership in one document over one connection.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	DocumentID   string    `json:"documentId"`
	ConnectionID string    `json:"connectionId"`
	Avatar       string    `json:"avatar,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
	Active       bool      `json:"active"`
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	return &out
}

// ToCollaborator converts the session into its initial collaborator shape:
// cursor at zero, activity mirroring the session.
func (s *Session) ToCollaborator() *weave.Collaborator {
	return &weave.Collaborator{
		ID:       s.UserID,
		Name:     s.UserName,
		Avatar:   s.Avatar,
		Cursor:   0,
		Active:   s.Active,
		LastSeen: s.LastActivity,
	}
}

// StoreOptions configures a Store. All fields are optional.
type StoreOptions struct {
	// Cache receives a write-through copy of every session under the key
	// "session:{id}" with a TTL equal to Timeout. Nil disables it.
	Cache cache.Cache[*Session]

	// Timeout is the idle time after which the sweeper reaps a session.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// SweepInterval is how often the sweeper runs. Defaults to
	// DefaultSweepInterval.
	SweepInterval time.Duration

	Logger slogger.Logger
}

// Store holds all live sessions, indexed by session id and connection id.
type Store struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	byConnection map[string]string // connection id -> session id
	cache        cache.Cache[*Session]
	timeout      time.Duration
	sweepEvery   time.Duration
	logger       slogger.Logger
	done         chan struct{}
	stopOnce     sync.Once
}

// NewStore creates a session store. Call Start to run the idle sweeper and
// Stop on shutdown.
func NewStore(opts StoreOptions) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	return &Store{
		sessions:     make(map[string]*Session),
		byConnection: make(map[string]string),
		cache:        opts.Cache,
		timeout:      opts.Timeout,
		sweepEvery:   opts.SweepInterval,
		logger:       opts.Logger,
		done:         make(chan struct{}),
	}
}

// ValidateUser reports whether the identifiers are acceptable: trimmed and
// non-empty. This is the hook where real authentication would live.
func (s *Store) ValidateUser(userID, userName string) bool {
	return strings.TrimSpace(userID) != "" && strings.TrimSpace(userName) != ""
}

// Create makes a new active session. If the user already holds an active
// session on the same document, the older session is removed and returned
// as displaced so the caller can disconnect its connection.
func (s *Store) Create(ctx context.Context, userID, userName, documentID, connectionID, avatar string) (created, displaced *Session) {
	s.mu.Lock()

	for id, existing := range s.sessions {
		if existing.Active && existing.UserID == userID && existing.DocumentID == documentID {
			displaced = existing.Clone()
			s.dropLocked(id)
			break
		}
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		UserName:     userName,
		DocumentID:   documentID,
		ConnectionID: connectionID,
		Avatar:       avatar,
		JoinedAt:     now,
		LastActivity: now,
		Active:       true,
	}
	s.sessions[sess.ID] = sess
	s.byConnection[connectionID] = sess.ID
	s.writeThrough(ctx, sess)
	s.mu.Unlock()

	if displaced != nil {
		s.deleteCached(ctx, displaced.ID)
		s.logger.Info("displaced older session",
			"user_id", userID, "document_id", documentID,
			"old_connection_id", displaced.ConnectionID)
	}
	return sess.Clone(), displaced
}

// GetByID returns the session, or nil when it does not exist.
func (s *Store) GetByID(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone()
	}
	return nil
}

// GetByConnectionID returns the session bound to the connection, or nil.
func (s *Store) GetByConnectionID(connectionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byConnection[connectionID]; ok {
		if sess, ok := s.sessions[id]; ok {
			return sess.Clone()
		}
	}
	return nil
}

// DocumentSessions returns the active sessions joined to the document.
func (s *Store) DocumentSessions(documentID string) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.Active && sess.DocumentID == documentID {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// UpdateActivity refreshes the session's last-activity time. Called on
// every inbound message from the session's connection.
func (s *Store) UpdateActivity(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActivity = time.Now()
		s.writeThrough(ctx, sess)
	}
}

// Deactivate marks the session inactive without removing it.
func (s *Store) Deactivate(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Active = false
		s.writeThrough(ctx, sess)
	}
}

// Remove deletes the session.
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	s.dropLocked(id)
	s.mu.Unlock()
	s.deleteCached(ctx, id)
}

// RemoveByConnectionID deletes the session bound to the connection and
// returns it, or nil when the connection had no session.
func (s *Store) RemoveByConnectionID(ctx context.Context, connectionID string) *Session {
	s.mu.Lock()
	var removed *Session
	if id, ok := s.byConnection[connectionID]; ok {
		if sess, ok := s.sessions[id]; ok {
			removed = sess.Clone()
		}
		s.dropLocked(id)
	}
	s.mu.Unlock()
	if removed != nil {
		s.deleteCached(ctx, removed.ID)
	}
	return removed
}

// ClearAll removes every session. Invoked at process start so sessions
// from a previous run cannot shadow fresh joins.
func (s *Store) ClearAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessions = make(map[string]*Session)
	s.byConnection = make(map[string]string)
	s.mu.Unlock()
	for _, id := range ids {
		s.deleteCached(ctx, id)
	}
}

// Len returns the number of sessions held, active or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start runs the idle sweeper until Stop is called.
func (s *Store) Start() {
	go func() {
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep(context.Background())
			}
		}
	}()
}

// Stop terminates the sweeper.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// sweep reaps sessions idle beyond the timeout.
func (s *Store) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)
	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.dropLocked(id)
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.deleteCached(ctx, id)
	}
	if len(expired) > 0 {
		s.logger.Info("swept idle sessions", "count", len(expired))
	}
}

// dropLocked removes the session and its connection index entry. The
// caller holds the mutex.
func (s *Store) dropLocked(id string) {
	if sess, ok := s.sessions[id]; ok {
		delete(s.byConnection, sess.ConnectionID)
		delete(s.sessions, id)
	}
}

func (s *Store) writeThrough(ctx context.Context, sess *Session) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(sess.ID), sess.Clone(), s.timeout); err != nil {
		s.logger.Warn("failed to cache session", "session_id", sess.ID, "error", err)
	}
}

func (s *Store) deleteCached(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(id)); err != nil {
		s.logger.Warn("failed to delete cached session", "session_id", id, "error", err)
	}
}

func cacheKey(id string) string {
	return "session:" + id
}
