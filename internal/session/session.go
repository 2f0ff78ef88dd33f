// ABOUTME: In-memory session table: per-conversation context blobs and action history.
// ABOUTME: Every session mutation goes through that session's lock, so racing calls merge instead of clobbering.

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound indicates no session exists for the id.
var ErrSessionNotFound = errors.New("session not found")

// ActionRecord is one appended history entry. History is append-only;
// records are never rewritten.
type ActionRecord struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session binds one conversation to its evolving context blob and action
// history. Sessions live for the process lifetime and never expire.
type Session struct {
	id        string
	createdAt time.Time

	mu      sync.Mutex
	context map[string]any
	history []ActionRecord
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was allocated.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Context returns a copy of the context blob. Mutating the copy does not
// affect the session.
func (s *Session) Context() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.context)
}

// UpdateContext replaces the context wholesale. The caller merges
// beforehand when it wants merge semantics; see MergeContext.
func (s *Session) UpdateContext(ctx map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = maps.Clone(ctx)
	if s.context == nil {
		s.context = make(map[string]any)
	}
}

// MergeContext applies a key-level delta under the session lock. Two calls
// racing on the same session each land their keys; last writer wins only
// per key, never for the whole blob.
func (s *Session) MergeContext(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.context[k] = v
	}
}

// RecordAction appends a history entry, filling in the id and timestamp
// when the caller left them empty.
func (s *Session) RecordAction(rec ActionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
}

// History returns a copy of the action history, oldest first.
func (s *Session) History() []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActionRecord, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryLen returns the number of recorded actions.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Manager is the in-memory session table. Session ids are unique for the
// lifetime of the running process.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session table.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Create allocates a session with a fresh id, empty context, and empty
// history.
func (m *Manager) Create() *Session {
	sess := newSession(uuid.New().String())

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.logger.Debug("session created", "session_id", sess.id)
	return sess
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// GetOrCreate returns the session for id, creating it when absent. An
// empty id always creates a fresh session. The second return reports
// whether a session was created.
func (m *Manager) GetOrCreate(id string) (*Session, bool) {
	if id == "" {
		return m.Create(), true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess, false
	}
	sess := newSession(id)
	m.sessions[id] = sess
	m.logger.Debug("session created", "session_id", id)
	return sess, true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func newSession(id string) *Session {
	return &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		context:   make(map[string]any),
	}
}
