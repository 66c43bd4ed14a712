// Package sessions keeps the conversation history of multi-turn chats with
// the agent.
package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrivia/agentcore/internal/store"
	"github.com/scrivia/agentcore/pkg/models"
)

// MemorySessionStore is a thread-safe in-memory session store. Sessions are
// copied on the way in and out so callers never share message slices.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session // key: session ID

	// MaxMessages caps the stored history per session; older messages are
	// dropped first. Zero keeps everything.
	MaxMessages int
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore(maxMessages int) *MemorySessionStore {
	return &MemorySessionStore{
		sessions:    make(map[string]*models.Session),
		MaxMessages: maxMessages,
	}
}

// CreateSession stores a new session, assigning an ID when empty.
func (s *MemorySessionStore) CreateSession(_ context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s: %w", session.ID, store.ErrAlreadyExists)
	}
	s.sessions[session.ID] = clone(session)
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemorySessionStore) GetSession(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &store.ErrNotFound{Entity: "session", Key: sessionID}
	}
	return clone(session), nil
}

// AppendTurn adds the messages produced by one turn and bumps the turn count.
func (s *MemorySessionStore) AppendTurn(_ context.Context, sessionID string, msgs []models.ChatMessage) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, &store.ErrNotFound{Entity: "session", Key: sessionID}
	}
	session.Messages = append(session.Messages, msgs...)
	if s.MaxMessages > 0 && len(session.Messages) > s.MaxMessages {
		session.Messages = trimHistory(session.Messages, s.MaxMessages)
	}
	session.TurnCount++
	session.UpdatedAt = time.Now().UTC()
	return clone(session), nil
}

// ListSessions lists a user's sessions, most recently updated first.
func (s *MemorySessionStore) ListSessions(_ context.Context, userID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Session, 0)
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			result = append(result, *clone(sess))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

// DeleteSession removes a session.
func (s *MemorySessionStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return &store.ErrNotFound{Entity: "session", Key: sessionID}
	}
	delete(s.sessions, sessionID)
	return nil
}

// PurgeIdle deletes sessions last updated before the cutoff.
func (s *MemorySessionStore) PurgeIdle(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// trimHistory keeps the newest max messages, then drops leading tool
// messages whose assistant call message was cut off.
func trimHistory(msgs []models.ChatMessage, max int) []models.ChatMessage {
	msgs = msgs[len(msgs)-max:]
	i := 0
	for i < len(msgs) && msgs[i].Role == "tool" {
		i++
	}
	return append([]models.ChatMessage(nil), msgs[i:]...)
}

func clone(s *models.Session) *models.Session {
	cp := *s
	cp.Messages = append([]models.ChatMessage(nil), s.Messages...)
	return &cp
}
